package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// openspeech 二进制帧：4 字节头，随后按标志位出现序号、事件元数据、错误码，最后是 4 字节长度 + payload。

const protocolVersion = 0x1

type msgType uint8

const (
	msgFullClientRequest  msgType = 0x1
	msgAudioOnlyRequest   msgType = 0x2
	msgFullServerResponse msgType = 0x9
	msgAudioOnlyResponse  msgType = 0xB
	msgError              msgType = 0xF
)

type msgFlags uint8

const (
	flagNoSequence       msgFlags = 0x0
	flagPositiveSequence msgFlags = 0x1
	flagLastNoSequence   msgFlags = 0x2
	flagNegativeSequence msgFlags = 0x3
	flagWithEvent        msgFlags = 0x4
)

const (
	serializationNone uint8 = 0x0
	serializationJSON uint8 = 0x1

	compressionNone uint8 = 0x0
	compressionGzip uint8 = 0x1
)

type eventType int32

const (
	eventStartConnection    eventType = 1
	eventFinishConnection   eventType = 2
	eventConnectionStarted  eventType = 50
	eventConnectionFailed   eventType = 51
	eventConnectionFinished eventType = 52
	eventSessionStarted     eventType = 150
	eventSessionFinished    eventType = 152
	eventSessionFailed      eventType = 153
)

// connectionScoped 的事件不带 session id。
func (e eventType) connectionScoped() bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func (e eventType) carriesConnectID() bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

type packet struct {
	Type          msgType
	Flags         msgFlags
	Serialization uint8
	Compression   uint8
	Sequence      int32
	Event         eventType
	SessionID     string
	ConnectID     string
	ErrorCode     uint32
	Payload       []byte
}

func (p *packet) hasSequence() bool {
	f := p.Flags & 0x3
	return f == flagPositiveSequence || f == flagNegativeSequence
}

func (p *packet) hasEvent() bool {
	return p.Flags&flagWithEvent != 0
}

// last 判断是否为最后一包
func (p *packet) last() bool {
	f := p.Flags & 0x3
	return f == flagLastNoSequence || f == flagNegativeSequence
}

// body 返回解压后的 payload。
func (p *packet) body() ([]byte, error) {
	switch p.Compression {
	case compressionNone:
		return p.Payload, nil
	case compressionGzip:
		return gunzip(p.Payload)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", p.Compression)
	}
}

func (p *packet) marshal() []byte {
	buf := make([]byte, 0, 24+len(p.Payload))
	buf = append(buf,
		protocolVersion<<4|0x1,
		byte(p.Type)<<4|byte(p.Flags),
		p.Serialization<<4|p.Compression,
		0,
	)
	if p.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p.Sequence))
	}
	if p.hasEvent() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p.Event))
		if !p.Event.connectionScoped() {
			buf = appendSized(buf, p.SessionID)
		}
		if p.Event.carriesConnectID() {
			buf = appendSized(buf, p.ConnectID)
		}
	}
	if p.Type == msgError {
		buf = binary.BigEndian.AppendUint32(buf, p.ErrorCode)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	return append(buf, p.Payload...)
}

func appendSized(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func unmarshalPacket(data []byte) (*packet, error) {
	r := &wireReader{buf: data}

	head, err := r.next(4, "header")
	if err != nil {
		return nil, err
	}
	if version := head[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := r.next(extra, "extended header"); err != nil {
			return nil, err
		}
	}

	p := &packet{
		Type:          msgType(head[1] >> 4),
		Flags:         msgFlags(head[1] & 0x0F),
		Serialization: head[2] >> 4,
		Compression:   head[2] & 0x0F,
	}

	if p.hasSequence() {
		seq, err := r.uint32("sequence")
		if err != nil {
			return nil, err
		}
		p.Sequence = int32(seq)
	}

	if p.hasEvent() {
		event, err := r.uint32("event type")
		if err != nil {
			return nil, err
		}
		p.Event = eventType(int32(event))
		if !p.Event.connectionScoped() {
			if p.SessionID, err = r.sized("session id"); err != nil {
				return nil, err
			}
		}
		if p.Event.carriesConnectID() {
			if p.ConnectID, err = r.sized("connect id"); err != nil {
				return nil, err
			}
		}
	}

	if p.Type == msgError {
		if p.ErrorCode, err = r.uint32("error code"); err != nil {
			return nil, err
		}
	}

	size, err := r.uint32("payload size")
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if p.Payload, err = r.next(int(size), "payload"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) next(n int, what string) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("failed to read %s: need %d bytes, have %d", what, n, len(r.buf)-r.off)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *wireReader) uint32(what string) (uint32, error) {
	b, err := r.next(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *wireReader) sized(what string) (string, error) {
	n, err := r.uint32(what + " size")
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newFullClientRequest(payload []byte, compression uint8) *packet {
	return &packet{
		Type:          msgFullClientRequest,
		Flags:         flagNoSequence,
		Serialization: serializationJSON,
		Compression:   compression,
		Payload:       payload,
	}
}

// newAudioPacket 构造纯音频包；最后一包用负序号标记。
func newAudioPacket(chunk []byte, sequence int32, last bool) *packet {
	flags := flagPositiveSequence
	if last {
		flags = flagNegativeSequence
		sequence = -sequence
	}
	return &packet{
		Type:          msgAudioOnlyRequest,
		Flags:         flags,
		Serialization: serializationNone,
		Compression:   compressionGzip,
		Sequence:      sequence,
		Payload:       chunk,
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
