package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind 是长度前缀帧的类型字节。
type Kind uint8

const (
	KindPersona   Kind = 0x01
	KindUpload    Kind = 0x02
	KindClip      Kind = 0x03
	KindEndOfTurn Kind = 0x04
)

const lengthHeaderSize = 5

func (k Kind) valid() bool {
	return k >= KindPersona && k <= KindEndOfTurn
}

func (k Kind) String() string {
	switch k {
	case KindPersona:
		return "persona"
	case KindUpload:
		return "upload"
	case KindClip:
		return "clip"
	case KindEndOfTurn:
		return "end_of_turn"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Length 实现长度前缀协议：所有消息（包括角色名）都带类型与长度。
type Length struct {
	r    io.Reader
	w    io.Writer
	opts Options
}

// NewLength 创建长度前缀协议的编解码器。
func NewLength(rw io.ReadWriter, opts Options) *Length {
	return &Length{r: rw, w: rw, opts: opts}
}

// ReadUpload 读取下一帧并要求其为上行音频。
func (l *Length) ReadUpload() ([]byte, error) {
	kind, payload, err := ReadFrame(l.r, l.opts.maxFrame())
	if err != nil {
		return nil, err
	}
	if kind != KindUpload {
		return nil, framingErrorf("unexpected %s frame from client", kind)
	}
	return payload, nil
}

func (l *Length) WritePersona(name string) error {
	return WriteFrame(l.w, KindPersona, []byte(name))
}

func (l *Length) WriteClip(audio []byte, sentiment int) error {
	return WriteFrame(l.w, KindClip, EncodeOutgoing(audio, sentiment))
}

func (l *Length) WriteEndOfTurn() error {
	return WriteFrame(l.w, KindEndOfTurn, []byte(EndOfTurn))
}

// WriteFrame 以单次 Write 写出完整帧，保证在消息型传输上一帧对应一条消息。
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	buf := make([]byte, lengthHeaderSize+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:lengthHeaderSize], uint32(len(payload)))
	copy(buf[lengthHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一帧。帧头之前遇到 EOF 返回 ErrConnectionClosed，
// 帧中途截断、类型未知或长度超限返回 FramingError。
func ReadFrame(r io.Reader, maxLen int) (Kind, []byte, error) {
	header := make([]byte, lengthHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			return 0, nil, framingErrorf("truncated frame header")
		case errors.Is(err, io.EOF):
			return 0, nil, ErrConnectionClosed
		default:
			return 0, nil, err
		}
	}

	kind := Kind(header[0])
	if !kind.valid() {
		return 0, nil, framingErrorf("unknown frame kind 0x%02x", header[0])
	}

	size := binary.BigEndian.Uint32(header[1:])
	if maxLen > 0 && uint64(size) > uint64(maxLen) {
		return 0, nil, framingErrorf("%s frame of %d bytes exceeds limit %d", kind, size, maxLen)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, framingErrorf("truncated %s frame: want %d bytes", kind, size)
		}
		return 0, nil, err
	}
	return kind, payload, nil
}
