package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cordum/stash/core/controlplane/gateway"
	"github.com/cordum/stash/core/infra/buildinfo"
	"github.com/cordum/stash/core/infra/config"
)

func main() {
	buildinfo.Log("stash-server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("stash server config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := gateway.Run(ctx, cfg); err != nil {
		log.Fatalf("stash server error: %v", err)
	}
}
