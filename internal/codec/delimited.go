package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const delimitedReadSize = 1024

var legacyAck = []byte("sb")

// Delimited 实现旧协议：上行音频以 "?!" 结尾，角色名与结束哨兵以裸字节发送。
type Delimited struct {
	r    io.Reader
	w    io.Writer
	opts Options
	buf  []byte
}

// NewDelimited 创建 "?!" 结尾协议的编解码器。
func NewDelimited(rw io.ReadWriter, opts Options) *Delimited {
	return &Delimited{r: rw, w: rw, opts: opts, buf: make([]byte, delimitedReadSize)}
}

// ReadUpload 按 1 KiB 分块读取，直到已接收数据以结束标记收尾。
func (d *Delimited) ReadUpload() ([]byte, error) {
	var payload []byte
	limit := d.opts.maxFrame()

	for {
		n, err := d.r.Read(d.buf)
		if n > 0 {
			payload = append(payload, d.buf[:n]...)
			if d.opts.LegacyAck {
				if _, werr := d.w.Write(legacyAck); werr != nil {
					return nil, fmt.Errorf("write ack: %w", werr)
				}
			}
			if bytes.HasSuffix(payload, Terminator) {
				return payload[:len(payload)-len(Terminator)], nil
			}
			if len(payload) > limit+len(Terminator) {
				return nil, framingErrorf("upload exceeds %d bytes without terminator", limit)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(payload) == 0 {
					return nil, ErrConnectionClosed
				}
				return nil, framingErrorf("stream ended after %d bytes without terminator", len(payload))
			}
			return nil, err
		}
	}
}

// WritePersona 旧协议直接发送角色名，不带结束标记。
func (d *Delimited) WritePersona(name string) error {
	_, err := d.w.Write([]byte(name))
	return err
}

func (d *Delimited) WriteClip(audio []byte, sentiment int) error {
	_, err := d.w.Write(EncodeOutgoing(audio, sentiment))
	return err
}

func (d *Delimited) WriteEndOfTurn() error {
	_, err := d.w.Write([]byte(EndOfTurn))
	return err
}

// EncodeDelimitedUpload 生成客户端上行帧：音频 + "?!"。
func EncodeDelimitedUpload(audio []byte) []byte {
	buf := make([]byte, 0, len(audio)+len(Terminator))
	buf = append(buf, audio...)
	return append(buf, Terminator...)
}
