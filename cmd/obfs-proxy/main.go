package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"obfs-proxy/internal/application"
	"obfs-proxy/internal/config"
	"obfs-proxy/internal/infrastructure/epoll"
	"obfs-proxy/internal/transport"
	"obfs-proxy/pkg/logger"
)

func main() {
	configPath := flag.String("c", "", "Path to YAML config file")
	var f config.Flags
	flag.StringVar(&f.Transport, "transport", "obfs2", "Transport name")
	flag.StringVar(&f.Mode, "mode", "socks", "Listener mode: socks, client or server")
	flag.StringVar(&f.Listen, "listen", "127.0.0.1:1050", "Address to listen on")
	flag.StringVar(&f.Dest, "dest", "", "Destination host:port for client and server modes")
	flag.StringVar(&f.SharedSecret, "shared-secret", "", "obfs2 shared secret")
	flag.StringVar(&f.Proxy, "proxy", "", "Egress proxy URL (socks5://, socks5h://, http://)")
	flag.StringVar(&f.LogLevel, "log-level", "info", "Log level")
	listTransports := flag.Bool("list", false, "List available transports and exit")
	flag.Parse()

	if *listTransports {
		for _, name := range transport.Names() {
			fmt.Println(name)
		}
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromFlags(f)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, logCloser, err := logger.Setup(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Unsafe: cfg.Log.Unsafe,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()
	log.Info("Initializing obfs proxy...", "listeners", len(cfg.Listeners))

	eventLoop, err := epoll.New(log)
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}
	defer eventLoop.Close()

	proxy, err := application.NewProxyService(eventLoop, cfg, log)
	if err != nil {
		log.Error("Failed to create proxy service", "error", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("Shutting down", "signal", sig.String())
		eventLoop.Stop()
	}()

	if err := proxy.Start(); err != nil {
		log.Error("Proxy stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}
