package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"campfire/engine/internal/logging"
	"campfire/engine/tools/replay_verify"
)

func main() {
	path := flag.String("path", "", "Path to a replay directory or manifest.json")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := logging.NewWriterLogger(os.Stderr, logging.WarnLevel)
	result, err := replayverify.Check(ctx, *path, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := replayverify.Render(os.Stdout, result); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	//1.- A diverging replay is a failure for scripts and CI.
	if !result.OK {
		os.Exit(4)
	}
}
