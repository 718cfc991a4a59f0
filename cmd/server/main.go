package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/config"
	"github.com/dez2003/bio-for-dummies/internal/httpserver"
	"github.com/dez2003/bio-for-dummies/internal/logger"
	"github.com/dez2003/bio-for-dummies/internal/rtc"
	"github.com/dez2003/bio-for-dummies/internal/telephony"
	"github.com/dez2003/bio-for-dummies/internal/tracer"
	"github.com/dez2003/bio-for-dummies/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogFilePath, cfg.IsProduction())
	defer func() { _ = logr.Sync() }()

	ctx := context.Background()
	shutdownTracer := tracer.Init(ctx, cfg.OTelEnabled, cfg.OTelEndpoint, logr.Named("tracer"))

	factory, err := newFactory(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("build providers", zap.Error(err))
	}
	manager := agent.NewManager(factory, logr.Named("manager"))

	e := httpserver.New(httpserver.Options{
		Manager:         manager,
		WS:              ws.NewHandler(manager, cfg.InboundFramesPerSecond, logr.Named("ws")),
		RTC:             rtc.NewHandler(manager, cfg.ICEServersJSON, logr.Named("rtc")),
		Telephony:       telephony.NewHandler(manager, cfg.PublicBaseURL, cfg.InboundFramesPerSecond, logr.Named("twilio")),
		TwilioAuthToken: cfg.TwilioAuthToken,
		PublicBaseURL:   cfg.PublicBaseURL,
		Logger:          logr.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logr.Info("server listening",
			zap.String("addr", cfg.HTTPAddress),
			zap.String("stt", cfg.STTProvider),
			zap.String("llm", cfg.LLMProvider),
			zap.String("tts", cfg.TTSProvider))
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logr.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
	// hijacked websockets are not tracked by http.Server; stop their sessions here
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logr.Warn("sessions still running at exit", zap.Error(err))
	}
	if err := shutdownTracer(context.Background()); err != nil {
		logr.Warn("tracer shutdown", zap.Error(err))
	}
}
