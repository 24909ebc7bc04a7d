package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prism-proxy/prism/internal/config"
	"github.com/prism-proxy/prism/internal/control"
	"github.com/prism-proxy/prism/internal/logging"
	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/proxy"
	"github.com/prism-proxy/prism/internal/store"
	storepg "github.com/prism-proxy/prism/internal/store/postgres"
	storesqlite "github.com/prism-proxy/prism/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[prismd] ")
		defer rot.Close()
	}
	logger := log.New(log.Writer(), "[prismd] ", log.LstdFlags|log.Lmicroseconds)

	var st store.Store
	if store.IsPostgresDSN(cfg.DatabasePath) {
		st, err = storepg.New(cfg.DatabasePath)
	} else {
		st, err = storesqlite.New(cfg.DatabasePath)
	}
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	profiles := profile.NewStore()
	controller := proxy.NewController(profiles, st, logger)
	controller.SetDebug(strings.EqualFold(cfg.LogLevel, "debug"))
	svc := control.NewService(profiles, st, controller, logger)

	ctx := context.Background()
	if err := svc.ImportLegacy(ctx, ""); err != nil {
		logger.Printf("legacy import: %v", err)
	}
	if err := svc.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	svc.Sweep(ctx)
	seed := proxy.Config{Host: cfg.ProxyHost, Port: cfg.ProxyPort}
	if err := svc.SeedProxyConfig(ctx, seed); err != nil {
		logger.Printf("seed proxy config: %v", err)
	}
	if err := svc.ResetProxyStatus(ctx); err != nil {
		logger.Printf("reset proxy status: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go controller.Run(runCtx)

	if cfg.AutoStart {
		startCtx, startCancel := context.WithTimeout(runCtx, 10*time.Second)
		if err := svc.StartProxy(startCtx); err != nil {
			logger.Printf("proxy autostart failed: %v", err)
		}
		startCancel()
	}

	adminSrv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      svc.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Printf("admin server listening on %s", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.StopProxy(shutdownCtx); err != nil {
		logger.Printf("proxy shutdown: %v", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	cancel()
}
