package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"connectd/internal/apiserver"
	"connectd/internal/auth"
	"connectd/internal/bus"
	"connectd/internal/config"
	"connectd/internal/databearer"
	"connectd/internal/httpcore"
	"connectd/internal/ipv6fwd"
	"connectd/internal/modem"
	"connectd/internal/rathole"
	"connectd/internal/sms"
	"connectd/internal/store"
	"connectd/internal/usbmode"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	os.MkdirAll(cfg.Logs.Path, 0755)
	logFile, err := os.OpenFile(cfg.Logs.Path+"/connectd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		log.SetOutput(logFile)
	}

	logger := log.StandardLogger()

	logger.Infof("Starting connectd v%s", Version)
	logger.Infof("  Store: %s", cfg.Store.Path)
	logger.Infof("  Web port: %d", cfg.Server.Port)
	logger.Infof("  Bus service: %s", cfg.Bus.ModemService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	busClient := bus.New(logger, cfg.Bus.ModemService, cfg.Bus.CallTimeout)
	if err := busClient.Connect(ctx); err != nil {
		logger.Warnf("Initial bus connect failed, will retry in background: %v", err)
	}
	go busClient.Run(ctx)

	modemSvc := modem.New(logger, busClient, "/modem_0", cfg.Modem.AtTimeout)
	modemSvc.SetSerialFallback(cfg.Modem.SerialDevice, cfg.Modem.SerialBaud)

	// Starts at /modem_0; SwitchSlot updates the Modem's path, and the
	// other components read the current value through modemPathFn.
	modemPathFn := modemSvc.Path

	watchdogInterval := 10 * time.Second
	bearer := databearer.New(logger, busClient, modemPathFn, watchdogInterval)

	if err := bearer.EnsureApnSchema(st); err != nil {
		logger.Fatalf("Failed to init apn schema: %v", err)
	}

	authSvc, err := auth.New(logger, st, cfg.Auth.SessionLifetime, cfg.Auth.DefaultPassword)
	if err != nil {
		logger.Fatalf("Failed to init auth: %v", err)
	}

	smsEngine, err := sms.New(logger, st, busClient, modemSvc, modemPathFn)
	if err != nil {
		logger.Fatalf("Failed to init sms engine: %v", err)
	}

	ipv6Fwd, err := ipv6fwd.New(logger, st)
	if err != nil {
		logger.Fatalf("Failed to init ipv6 forwarder: %v", err)
	}
	ipv6Fwd.SetFirewallBin(cfg.Ipv6Fwd.FirewallBin)

	ratholeCtl, err := rathole.New(logger, st, cfg.Rathole.BinaryPath, cfg.Rathole.ConfigPath, cfg.Rathole.LogPath, cfg.Rathole.PidPath)
	if err != nil {
		logger.Fatalf("Failed to init rathole controller: %v", err)
	}

	usbCtl := usbmode.New(logger, usbmode.Options{
		GadgetDir:      cfg.UsbMode.ConfigfsDir,
		PersistentPath: cfg.UsbMode.ModeFile,
		TempPath:       cfg.UsbMode.ModeTmpFile,
	})

	httpSrv := httpcore.New(logger, cfg.Server.Port, authSvc, nil)
	apiserver.New(logger, httpSrv, authSvc, modemSvc, bearer, smsEngine, ipv6Fwd, ratholeCtl, usbCtl, Version)

	// Long-running background loops, one goroutine each (spec.md §5).
	go bearer.StartMonitor(ctx)
	go bearer.RunWatchdog(ctx)

	smsEngine.Start(ctx)
	go smsEngine.RunMaintenance(ctx)

	if ipv6Cfg, err := ipv6Fwd.GetConfig(ctx); err == nil {
		if ipv6Cfg.AutoStart {
			if err := ipv6Fwd.Start(ctx); err != nil {
				logger.Warnf("ipv6 proxy autostart failed: %v", err)
			}
		}
		if ipv6Cfg.SendEnabled {
			go ipv6Fwd.RunReporter(ctx)
		}
	}

	if ratholeCfg, err := ratholeCtl.GetConfig(ctx); err == nil && ratholeCfg.AutoStart {
		if err := ratholeCtl.Start(ctx); err != nil {
			logger.Warnf("rathole autostart failed: %v", err)
		}
	}

	if err := httpSrv.Run(ctx); err != nil {
		logger.Fatalf("HTTP server error: %v", err)
	}
}
