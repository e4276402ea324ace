package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmordane/huddle/internal/server"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides config)")
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	svc := server.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
		if err := svc.Shutdown(10 * time.Second); err != nil {
			log.Printf("Shutdown incomplete: %v", err)
		}
	}
}
