// Command zarr inspects, reads and creates Zarr arrays and groups held in
// any gocloud.dev bucket (file://, mem://, or a cloud driver linked in by
// the build).
//
// Logging:
//   - Base logger is created here with a text handler on stderr
//   - Logger is handed to arrays with zarr.WithLogger
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd(logger, level).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
