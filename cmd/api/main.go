package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alvesdmateus/iac-sandbox/internal/bus"
	"github.com/alvesdmateus/iac-sandbox/internal/deploy"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
	"github.com/alvesdmateus/iac-sandbox/internal/files"
	httpx "github.com/alvesdmateus/iac-sandbox/internal/http"
	"github.com/alvesdmateus/iac-sandbox/internal/stacks"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
	"github.com/alvesdmateus/iac-sandbox/internal/ws"
	"github.com/alvesdmateus/iac-sandbox/pkg/config"
	"github.com/alvesdmateus/iac-sandbox/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New("api", logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var eng engine.Engine
	var engineHealth func(context.Context) error
	switch cfg.Engine.Driver {
	case "sim":
		sim, err := engine.NewSim(cfg.Engine.WorkDir, cfg.Engine.SimStepDelay, log)
		if err != nil {
			log.Error("sim engine setup failed", "error", err)
			os.Exit(1)
		}
		eng = sim
	default:
		eng = engine.NewCLI(cfg.Engine.Binary, cfg.Engine.WorkDir, cfg.Engine.EnvFile, cfg.Engine.StopGracePeriod, log)
		engineHealth = func(context.Context) error {
			_, err := exec.LookPath(cfg.Engine.Binary)
			return err
		}
	}

	store := state.New(cfg.Stream.HistoryLimit)
	eventBus := bus.New(cfg.Stream.SubscriberBuffer, log)
	manager := deploy.NewManager(store, eventBus, eng, cfg.Engine.OperationTimeout, log)
	gateway := ws.NewGateway(store, eventBus, cfg.Stream.HeartbeatInterval, cfg.Stream.WriteTimeout, log)
	stackSvc := stacks.NewService(eng, store, log)
	fileSvc, err := files.NewService(cfg.Files.Root, cfg.Files.MaxSizeKB, log)
	if err != nil {
		log.Error("file service setup failed", "error", err)
		os.Exit(1)
	}

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimit.RedisAddr); addr != "" {
		limiter, err = httpx.NewRedisRateLimiter(addr, cfg.RateLimit.RedisPass, cfg.RateLimit.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
			limiter = nil
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, stackSvc, fileSvc, manager, gateway, eventBus, limiter,
		cfg.RateLimit.Requests, cfg.RateLimit.Window, engineHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Server.Addr(), "driver", cfg.Engine.Driver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Error("deployments did not stop in time", "error", err)
		}
		gateway.Close()
		eventBus.Close()
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
