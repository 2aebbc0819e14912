package main

import (
	"context"
	"log/slog"
)

func main() {
	ctx, stop := interruptContext(context.Background(), slog.Default())

	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		exitOnError(err)
	}
}
