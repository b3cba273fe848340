package transport

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockVoiceServer 模拟远端语音处理端点：收到文本帧原样记录，收到音频块回一个 progress
type mockVoiceServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	texts    []string
	binaries int
	conns    []*websocket.Conn
}

func newMockVoiceServer(t *testing.T) *mockVoiceServer {
	m := &mockVoiceServer{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Restaurant-ID") == "" {
			http.Error(w, "missing restaurant", http.StatusBadRequest)
			return
		}
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		go m.readLoop(conn)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockVoiceServer) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockVoiceServer) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		if msgType == websocket.BinaryMessage {
			m.binaries++
			m.mu.Unlock()
			_ = conn.WriteJSON(map[string]any{"type": TypeProgress, "acked": 1})
			continue
		}
		m.texts = append(m.texts, string(data))
		m.mu.Unlock()

		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == TypeResponseText {
			_ = conn.WriteJSON(map[string]any{"type": TypeTranscriptFinal, "text": "echo " + env.Text, "confidence": 0.9})
		}
	}
}

func (m *mockVoiceServer) dropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

func (m *mockVoiceServer) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts), m.binaries
}

// TestWebsocketRoundTrip 验证真实 websocket 连接上的收发、流控确认和断线重连
func TestWebsocketRoundTrip(t *testing.T) {
	mock := newMockVoiceServer(t)

	header := http.Header{}
	header.Set("X-Restaurant-ID", "store-1")
	s := NewSession(Config{
		URL:                  mock.url(),
		Header:               header,
		MaxUnackedChunks:     1,
		MaxQueuedChunks:      4,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectMax:         50 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, WithJitter(noJitter), WithLogger(log.New(io.Discard, "", 0)))
	defer s.Close()

	finals := make(chan TranscriptFinal, 4)
	On(s.Bus(), func(e TranscriptFinal) { finals <- e })

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())

	_, err := s.SendEnvelope(Envelope{Type: TypeResponseText, Text: "hello"})
	require.NoError(t, err)

	select {
	case f := <-finals:
		assert.Equal(t, "echo hello", f.Text)
		assert.InDelta(t, 0.9, f.Confidence, 1e-9)
	case <-time.After(waitFor):
		t.Fatal("no transcript from server")
	}

	// 上限 1：服务端每收到一块就确认，三块最终都能送达
	for i := 0; i < 3; i++ {
		res, err := s.Send(Binary([]byte{byte(i)}))
		require.NoError(t, err)
		assert.NotEqual(t, SendRejected, res)
	}
	require.Eventually(t, func() bool {
		_, bins := mock.counts()
		return bins == 3
	}, waitFor, tick)

	mock.dropAll()
	require.Eventually(t, func() bool {
		m := s.Metrics()
		return s.State() == StateConnected && m.ConnectSuccesses == 2
	}, waitFor, tick)
}

func TestWebsocketDialFailure(t *testing.T) {
	mock := newMockVoiceServer(t)

	d := &WebsocketDialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), Target{URL: mock.url()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
