package speech

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zhouzirui/tavern-relay/internal/config"
)

const defaultOpenSpeechBase = "wss://openspeech.bytedance.com"

// clientBase 是火山引擎 ASR/TTS 客户端共用的连接参数。
type clientBase struct {
	cfg      config.SpeechConfig
	dialer   *websocket.Dialer
	attempts int
}

func newClientBase(cfg config.SpeechConfig) clientBase {
	return clientBase{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		attempts: 3,
	}
}

func (c *clientBase) timeout() time.Duration {
	if c.cfg.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.cfg.Timeout) * time.Second
}

// retryBackoff 是第 n 次重试前等待 n*retryBackoff。
var retryBackoff = time.Second

// endpoint 拼接服务地址；SPEECH_BASE_URL 可替换默认域名。
func endpoint(cfg config.SpeechConfig, path string) string {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenSpeechBase
	}
	return base + path
}

// dialWithRetry 建立 websocket 连接。握手被服务端明确拒绝（4xx）时不再重试。
func dialWithRetry(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, attempts int, tag string) (*websocket.Conn, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
				log.Printf("[%s] connected with logid: %s", tag, logid)
			}
			return conn, nil
		}

		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			break
		}
		if i == attempts-1 {
			break
		}

		log.Printf("[%s] dial attempt %d failed: %v", tag, i+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * retryBackoff):
		}
	}
	return nil, fmt.Errorf("websocket dial failed: %w", lastErr)
}
