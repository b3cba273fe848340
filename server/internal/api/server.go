package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"voiceorder/server/internal/config"
	"voiceorder/server/internal/gateway"
	"voiceorder/server/internal/menu"
	"voiceorder/server/internal/model"
	"voiceorder/server/internal/negotiate"
	"voiceorder/server/internal/orchestrator"
	"voiceorder/server/internal/session"
	"voiceorder/server/internal/timeline"
	"voiceorder/server/internal/transport"
)

type Server struct {
	config   *config.Config
	registry *session.Registry
	timeline timeline.Store
	logger   *log.Logger

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, registry *session.Registry, tl timeline.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		config:   cfg,
		registry: registry,
		timeline: tl,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 开发期允许本地跨域，生产环境应改为白名单
				origin := r.Header.Get("Origin")
				return origin == "" || origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173"
			},
		},
	}
}

// TransportFactory 按配置为每个会话构造传输会话：配置了协商地址时先协商再拨号。
func TransportFactory(cfg *config.Config, logger *log.Logger) session.TransportFactory {
	return func(sessionID, restaurantID string) *transport.Session {
		tc := cfg.SessionTransport()
		tc.Header = http.Header{}
		tc.Header.Set(negotiate.RestaurantHeader, restaurantID)
		if cfg.Realtime.APIKey != "" {
			tc.Header.Set("Authorization", "Bearer "+cfg.Realtime.APIKey)
		}

		opts := []transport.Option{transport.WithID(sessionID), transport.WithLogger(logger)}
		if cfg.Realtime.NegotiateURL != "" {
			client := &negotiate.Client{
				Endpoint:     cfg.Realtime.NegotiateURL,
				APIKey:       cfg.Realtime.APIKey,
				RestaurantID: restaurantID,
			}
			opts = append(opts, transport.WithNegotiator(client.Negotiator(negotiate.Offer{
				SessionID:   sessionID,
				AudioFormat: cfg.Realtime.AudioFormat,
				SampleRate:  cfg.Realtime.SampleRate,
				Language:    cfg.Realtime.Language,
			})))
		}
		return transport.NewSession(tc, opts...)
	}
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/menu", s.handleGetMenu)
	engine.PUT("/api/menu", s.handlePutMenu)
	engine.GET("/api/sessions", s.handleListSessions)
	engine.POST("/api/sessions", s.handleCreateSession)
	engine.GET("/api/sessions/:id", s.handleGetSession)
	engine.DELETE("/api/sessions/:id", s.handleDisposeSession)
	engine.POST("/api/sessions/:id/connect", s.handleConnect)
	engine.POST("/api/sessions/:id/disconnect", s.handleDisconnect)
	engine.POST("/api/sessions/:id/turns", s.handleTurn)
	engine.POST("/api/sessions/:id/confirm", s.handleConfirm)
	engine.POST("/api/sessions/:id/reset", s.handleReset)
	engine.GET("/api/sessions/:id/metrics", s.handleMetrics)
	engine.GET("/api/sessions/:id/events", s.handleEvents)
	engine.GET("/api/sessions/:id/stream", s.handleSessionStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetMenu(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Menu())
}

// handlePutMenu 运行时替换菜单，活跃会话下一轮生效。
func (s *Server) handlePutMenu(c *gin.Context) {
	var cfg menu.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.registry.UpdateMenu(c.Request.Context(), &cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.registry.Menu())
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}
	out := make([]model.SessionSummary, 0, len(sessions))
	for _, vs := range sessions {
		out = append(out, vs.Summary())
	}
	c.JSON(http.StatusOK, out)
}

// handleCreateSession 创建语音会话；connect=true 时顺带建立连接，连接失败交给重连监督器，不影响创建结果。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RestaurantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "restaurant_id required"})
		return
	}

	vs, err := s.registry.Create(c.Request.Context(), req.RestaurantID)
	if err != nil {
		s.logger.Printf("[API] ❌ create session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}
	if req.Connect {
		if err := vs.Transport.Connect(c.Request.Context()); err != nil {
			s.logger.Printf("[API] ⚠️ initial connect failed for %s: %v", vs.ID, err)
		}
	}

	c.JSON(http.StatusOK, model.CreateSessionResponse{
		SessionID:    vs.ID,
		RestaurantID: vs.RestaurantID,
		State:        string(vs.Machine.State()),
		Connection:   string(vs.Transport.State()),
		CreatedAt:    vs.CreatedAt,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": vs.Summary(),
		"context": vs.Machine.Snapshot(),
	})
}

func (s *Server) handleDisposeSession(c *gin.Context) {
	if err := s.registry.Dispose(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.logger.Printf("[API] dispose session %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispose session failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleConnect 显式连接；也是重连耗尽后唯一的恢复入口。
func (s *Server) handleConnect(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := vs.Transport.Connect(c.Request.Context()); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
			return
		}
		// 失败已交给重连监督器，这里只把首次失败原因带给调用方
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      err.Error(),
			"connection": vs.Transport.State(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": vs.Transport.State()})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := vs.Transport.Disconnect(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": vs.Transport.State()})
}

// handleTurn 文本降级路径：与语音轮次走同一队列。
func (s *Server) handleTurn(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	var req model.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	hints, err := orchestrator.DecodeHints(req.Hints)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	out, err := vs.Orchestrator.SubmitTurn(c.Request.Context(), req.EventID, req.Text, confidence, hints)
	if err != nil {
		s.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleConfirm(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	out, err := vs.Orchestrator.Confirm(c.Request.Context())
	if err != nil {
		s.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReset(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := vs.Orchestrator.Reset(c.Request.Context()); err != nil {
		s.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": vs.Machine.State()})
}

func (s *Server) handleMetrics(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	m := vs.Transport.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"transport":          m,
		"average_latency_ms": m.AverageLatencyMS(),
		"turn_queue":         vs.Orchestrator.QueueStats(),
		"conversation_state": vs.Machine.State(),
	})
}

// handleEvents 回放时间线，?since=<seq> 增量读取。
func (s *Server) handleEvents(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		since = v
	}
	events, err := s.timeline.ListSince(c.Request.Context(), vs.ID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list events failed"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// handleSessionStream 升级为客户端 WebSocket：二进制帧走传输层（受流控），文本帧交给编排器。
func (s *Server) handleSessionStream(c *gin.Context) {
	vs, ok := s.lookup(c)
	if !ok {
		return
	}
	s.logger.Printf("[API] 📞 stream request for session %s from %s", vs.ID, c.Request.RemoteAddr)

	clientConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] ❌ Failed to upgrade websocket: %v", err)
		return
	}

	stream := gateway.NewClientStream(vs.ID, clientConn, vs.Transport, gateway.ClientStreamConfig{
		WriteTimeout: s.config.Gateway.WriteTimeout,
		PingInterval: s.config.Gateway.PingInterval,
	})
	stream.SetLogger(s.logger)
	stream.SetEventHandler(vs.Orchestrator.HandleClientMessage)
	detach := vs.Orchestrator.AttachClient(stream)
	defer func() {
		detach()
		_ = stream.Close()
		s.logger.Printf("[API] 🔌 stream closed for session %s", vs.ID)
	}()

	stream.Start()
	// 先推一次当前连接状态，客户端据此决定是否显示重连按钮
	_ = stream.Send(&gateway.ServerMessage{
		Type:  gateway.EventTypeConnectionState,
		State: string(vs.Transport.State()),
	})

	<-stream.Done()
}

func (s *Server) lookup(c *gin.Context) (*session.VoiceSession, bool) {
	id := c.Param("id")
	vs, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return nil, false
		}
		s.logger.Printf("[API] ❌ Failed to load session %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return nil, false
	}
	return vs, true
}

func (s *Server) writeQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrQueueClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "turn timed out"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		// 开发期：允许本地 Vite；线上应改为白名单或同源。
		if origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
