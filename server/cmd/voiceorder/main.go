package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voiceorder/server/internal/api"
	"voiceorder/server/internal/config"
	"voiceorder/server/internal/menu"
	"voiceorder/server/internal/session"
	"voiceorder/server/internal/timeline"
)

func main() {
	// 敏感信息与部署地址走环境变量：
	// - VOICE_API_KEY：协商/建连用的服务端凭证
	// - VOICE_REALTIME_URL / VOICE_NEGOTIATE_URL：远端语音服务地址
	configPath := flag.String("config", "server/configs/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	menuCfg, err := menu.Load(cfg.Paths.Menu)
	if err != nil {
		log.Fatalf("load menu: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	tl := timeline.NewInMemoryStore()
	registry := session.NewRegistry(session.NewInMemoryStore(), tl, menuCfg, api.TransportFactory(cfg, logger), session.Options{
		Conversation:  cfg.Conversation,
		QueueCapacity: cfg.Gateway.QueueCapacity,
		TurnTimeout:   cfg.Gateway.TurnTimeout,
		Logger:        logger,
	})
	server := api.NewServer(cfg, registry, tl, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("voiceorder server listening on %s (menu items=%d)", cfg.Addr(), len(menuCfg.Items))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.DisposeAll(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
