package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"pod-service/internal/config"
	"pod-service/internal/core"
	"pod-service/internal/logger"
)

func main() {
	var (
		configPath      string
		serviceLogLevel int
		redisAddr       string
		listen          string
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	flag.StringVar(&redisAddr, "redis", "", "Redis address (host:port), overrides the config file")
	flag.StringVar(&listen, "listen", "", "Gateway listen address, overrides the config file")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))
	l.Infof("Starting pod service...")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			l.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if redisAddr != "" {
		host, port, err := net.SplitHostPort(redisAddr)
		if err != nil {
			l.Fatalf("Invalid --redis address %q: %v", redisAddr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			l.Fatalf("Invalid --redis port %q: %v", port, err)
		}
		cfg.Redis.Host, cfg.Redis.Port = host, p
	}
	if listen != "" {
		cfg.Gateway.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		l.Fatalf("Invalid configuration: %v", err)
	}

	system, err := core.NewPodSystem(cfg, l)
	if err != nil {
		l.Fatalf("Failed to create system: %v", err)
	}
	if err := system.Start(); err != nil {
		system.Shutdown()
		l.Fatalf("Failed to start system: %v", err)
	}

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		l.Infof("Received signal %v, shutting down...", sig)
	case <-system.Dying():
		l.Errorf("Service failed: %v", system.Err())
	}

	if err := system.Shutdown(); err != nil {
		l.Errorf("Shutdown with error: %v", err)
		os.Exit(1)
	}
	l.Infof("Shutdown complete")
}
