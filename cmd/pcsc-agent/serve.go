package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/SimplyPrint/pcsc-agent/internal/api"
	"github.com/SimplyPrint/pcsc-agent/internal/config"
	"github.com/SimplyPrint/pcsc-agent/internal/discovery"
	"github.com/SimplyPrint/pcsc-agent/internal/history"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/pcsc"
	"github.com/SimplyPrint/pcsc-agent/internal/service"
	"github.com/SimplyPrint/pcsc-agent/internal/settings"
	"github.com/SimplyPrint/pcsc-agent/internal/tray"
	"github.com/SimplyPrint/pcsc-agent/internal/updater"
	"github.com/SimplyPrint/pcsc-agent/internal/welcome"
)

const shutdownTimeout = 5 * time.Second

func serve(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Info(logging.CatSystem, "PC/SC Agent starting", map[string]any{
		"version": api.Version,
	})

	userSettings, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	if logging.InitSentry(api.Version, userSettings.CrashReporting) {
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
	}
	defer logging.FlushSentry(2 * time.Second)

	agent := pcsc.NewAgent(pcsc.WithListenerOptions(pcsc.ListenerOptions{
		PollTimeout: cfg.PollTimeout,
	}))
	if err := agent.Ensure(); err != nil {
		// Not fatal: every request retries establishing the context.
		logging.Warn(logging.CatSystem, "PC/SC service unavailable at startup", map[string]any{
			"error": err.Error(),
		})
		logging.CaptureMessage("PC/SC service unavailable at startup", sentry.LevelWarning, map[string]interface{}{
			"error": err.Error(),
		})
	}

	var shutdownOnce sync.Once
	shutdown := make(chan struct{})
	requestShutdown := func() {
		shutdownOnce.Do(func() { close(shutdown) })
	}

	opts := []api.ServerOption{
		api.WithShutdownHandler(requestShutdown),
		api.WithUpdateChecker(updater.NewChecker(api.Version)),
		api.WithTransmitTimeout(cfg.TransmitTimeout),
	}

	store, err := history.Open(cfg.HistoryPath, cfg.HistoryTTL)
	if err != nil {
		logging.Warn(logging.CatSystem, "Scan history disabled", map[string]any{
			"path":  cfg.HistoryPath,
			"error": err.Error(),
		})
	} else {
		opts = append(opts, api.WithHistory(store))
	}

	server := api.NewServer(agent, opts...)

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var advertiser *discovery.Advertiser
	if cfg.MDNS {
		advertiser, err = discovery.Advertise(serviceName(), cfg.Port, discovery.TXT(api.Version, "/v1/ws"))
		if err != nil {
			logging.Warn(logging.CatSystem, "mDNS advertisement failed", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if userSettings.AutoListen && userSettings.DefaultReader != "" {
		if err := server.StartListening(userSettings.DefaultReader); err == nil {
			logging.Info(logging.CatListener, "Listening on default reader", map[string]any{
				"reader": userSettings.DefaultReader,
			})
		}
	}

	serveErr := make(chan error, 1)
	startServer := func() {
		defer logging.RecoverAndLog("HTTP server", true)

		log.Printf("pcsc-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			requestShutdown()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	useTray := !cfg.NoTray && tray.IsSupported()
	if useTray {
		log.Println("Starting with system tray...")

		statusURL := fmt.Sprintf("http://%s/v1/health", addr)
		if welcome.IsFirstRun() {
			go firstRun(statusURL)
		}

		trayApp := tray.New(addr, agent, requestShutdown)
		go func() {
			select {
			case <-sigChan:
			case <-shutdown:
			}
			requestShutdown()
			trayApp.Quit()
		}()

		// Blocks on the main thread until quit (required for macOS Cocoa)
		trayApp.RunWithServer(startServer)
	} else {
		if cfg.NoTray {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		go startServer()
		select {
		case <-sigChan:
		case <-shutdown:
		}
	}

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{
			"error": err.Error(),
		})
	}
	server.Close()
	advertiser.Shutdown()
	if err := agent.Close(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to release PC/SC context", map[string]any{
			"error": err.Error(),
		})
	}
	if store != nil {
		store.Close()
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// firstRun greets the user once and asks about crash reports and auto-start.
func firstRun(statusURL string) {
	defer logging.RecoverAndLog("first run", false)

	welcome.ShowWelcome(statusURL)
	if welcome.PromptCrashReporting() {
		if err := settings.SetCrashReporting(true); err != nil {
			logging.Warn(logging.CatSystem, "Failed to save crash reporting choice", map[string]any{
				"error": err.Error(),
			})
		}
	}
	if welcome.PromptAutostart() {
		if err := service.New().Install(); err != nil && !errors.Is(err, service.ErrAlreadyInstalled) {
			logging.Warn(logging.CatSystem, "Failed to install auto-start", map[string]any{
				"error": err.Error(),
			})
		}
	}
	_ = welcome.MarkAsShown() // Ignore error - non-critical
}

func serviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "PC/SC Agent"
	}
	return "PC/SC Agent on " + host
}
