package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/desultory/gentree/pkg/command"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	app := command.NewApp(ctx)
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gentree: %s\n", err)
		os.Exit(1)
	}
}
