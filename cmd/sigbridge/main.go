package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/sigbridge/internal/cli"
	"github.com/g960059/sigbridge/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	if path := os.Getenv("SIGBRIDGE_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
