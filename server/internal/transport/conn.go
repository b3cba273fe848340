package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 一条已建立的双向连接。WriteMessage 可被多个协程调用，ReadMessage 只由读循环调用。
type Conn interface {
	WriteMessage(p Payload) error
	ReadMessage() (Payload, error)
	Close() error
}

// Target 拨号目标。
type Target struct {
	URL    string
	Header http.Header
}

// Dialer 建立到远端语音处理端点的连接。
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// NegotiatorFunc 带外协商：在拨号前换取实际的连接地址与凭证。
type NegotiatorFunc func(ctx context.Context) (Target, error)

// WebsocketDialer 基于 gorilla/websocket 的拨号器。
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial 建立 websocket 连接。
func (d *WebsocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, target.URL, target.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target.URL, err)
	}

	return &wsConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) WriteMessage(p Payload) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	msgType := websocket.TextMessage
	if p.Kind == KindBinary {
		msgType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(msgType, p.Data)
}

func (c *wsConn) ReadMessage() (Payload, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Payload{}, err
		}
		switch msgType {
		case websocket.TextMessage:
			return Text(data), nil
		case websocket.BinaryMessage:
			return Binary(data), nil
		}
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// isNormalClose 远端正常关闭连接（不算错误，但仍交给重连监督器）。
func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
