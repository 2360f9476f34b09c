package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joeycumines/go-coreobject/cmd/corestress/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := app.NewCommand(ctx)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
