// Command rtm-fakeapp runs a FakeTaskAPIServer standalone, so an operator can
// point environments.yaml's "endpoint" prerequisite at it and exercise rtm-server
// or rtmctl end to end without a real per-application worker.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"rtm/adapters"
)

func main() {
	var (
		addr      = flag.String("addr", ":9001", "HTTP listen address")
		taskID    = flag.String("seed-task", "", "task id to pre-seed with canned subtasks")
		seedCount = flag.Int("seed-count", 0, "number of canned subtasks to seed for -seed-task")
		logLevel  = flag.String("log-level", "info", "log level (debug|info|warn|error)")
	)
	flag.Parse()

	level := parseLevel(*logLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	server := adapters.NewFakeTaskAPIServer(logger)
	if *taskID != "" && *seedCount > 0 {
		server.Seed(*taskID, *seedCount)
	}

	logger.Info("fake task api listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, server.Handler()); err != nil {
		logger.Error("fake task api server error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
