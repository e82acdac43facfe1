// Package codec 实现中继服务与客户端之间的二进制帧协议。
//
// 支持两种成帧方式：
//   - delimited：旧客户端使用的 "?!" 结尾帧，可选 "sb" 逐块确认；
//   - length：1 字节类型 + 4 字节大端长度 + 负载。
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Terminator 是上行音频帧和下行音频帧中的结束标记。
var Terminator = []byte("?!")

// EndOfTurn 是一轮回复结束后发送的哨兵内容。
const EndOfTurn = "stream_finished"

// DefaultMaxFrameBytes 限制单帧最大负载，避免恶意客户端撑爆内存。
const DefaultMaxFrameBytes = 32 << 20

// ErrConnectionClosed 表示对端在帧边界处关闭了连接。
var ErrConnectionClosed = errors.New("connection closed")

// FramingError 表示线上的数据不符合协议。
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// IsFramingError 判断错误链中是否包含 FramingError。
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Framing 选择成帧方式。
type Framing string

const (
	FramingLength    Framing = "length"
	FramingDelimited Framing = "delimited"
)

// ParseFraming 解析配置中的成帧名称。
func ParseFraming(raw string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FramingLength:
		return FramingLength, nil
	case FramingDelimited:
		return FramingDelimited, nil
	default:
		return "", fmt.Errorf("unknown framing %q", raw)
	}
}

// Options 控制编解码行为。
type Options struct {
	// MaxFrameBytes 为 0 时使用 DefaultMaxFrameBytes。
	MaxFrameBytes int
	// LegacyAck 仅对 delimited 生效：每收到一块数据回写 "sb"。
	LegacyAck bool
}

func (o Options) maxFrame() int {
	if o.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return o.MaxFrameBytes
}

// Codec 是会话读写帧的入口，每个连接一个实例，不可并发使用。
type Codec interface {
	// ReadUpload 阻塞读取一次完整的上行音频。
	ReadUpload() ([]byte, error)
	// WritePersona 发送连接建立后的角色名。
	WritePersona(name string) error
	// WriteClip 发送一段合成音频及其情感分数。
	WriteClip(audio []byte, sentiment int) error
	// WriteEndOfTurn 发送本轮结束哨兵。
	WriteEndOfTurn() error
}

// New 根据成帧方式创建 Codec。
func New(framing Framing, rw io.ReadWriter, opts Options) (Codec, error) {
	switch framing {
	case FramingLength, "":
		return NewLength(rw, opts), nil
	case FramingDelimited:
		return NewDelimited(rw, opts), nil
	default:
		return nil, fmt.Errorf("unknown framing %q", framing)
	}
}

// EncodeOutgoing 生成下行音频帧的负载：音频 + "?!" + 十进制情感分数。
func EncodeOutgoing(audio []byte, sentiment int) []byte {
	score := strconv.Itoa(sentiment)
	buf := make([]byte, 0, len(audio)+len(Terminator)+len(score))
	buf = append(buf, audio...)
	buf = append(buf, Terminator...)
	buf = append(buf, score...)
	return buf
}

// DecodeOutgoing 是 EncodeOutgoing 的逆操作，供客户端与测试使用。
// 以最后一个结束标记为界，之后的内容即分数。
func DecodeOutgoing(body []byte) ([]byte, int, error) {
	idx := bytes.LastIndex(body, Terminator)
	if idx < 0 {
		return nil, 0, framingErrorf("clip without terminator")
	}
	score, err := strconv.Atoi(string(body[idx+len(Terminator):]))
	if err != nil {
		return nil, 0, framingErrorf("invalid sentiment suffix %q", body[idx+len(Terminator):])
	}
	return body[:idx], score, nil
}
