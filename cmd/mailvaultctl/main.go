package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wpfleet/mailvault/internal/ctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctl.NewRootCmd(ctl.OpenApp).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
