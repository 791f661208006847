package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"ringvote/internal/config"
	"ringvote/internal/logging"
	"ringvote/internal/node"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
		os.Exit(2)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", os.Args[1], err)
		os.Exit(2)
	}

	cfg := config.DefaultConfig().FromEnv()
	cfg.Port = port
	cfg.Logger = logging.NewLogrus(envOr("LOG_LEVEL", "info"))
	if host := os.Getenv("BIND_HOST"); host != "" {
		cfg.BindHost = host
	}

	srv, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
