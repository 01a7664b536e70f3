// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

// slackrtm-client connects to the Slack Real-Time Messaging API with
// the given token and logs every decoded event. It is the moral
// equivalent of a protocol analyzer: useful for watching a team's
// event stream and for verifying credentials and connectivity.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/slackrtm/slackrtm/api"
	"github.com/slackrtm/slackrtm/lib/config"
	"github.com/slackrtm/slackrtm/rtm"
	"github.com/slackrtm/slackrtm/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("slackrtm-client", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file")
	token := flags.String("token", "", "API token (overrides config and environment)")
	apiURL := flags.String("api-url", "", "Web API base URL (overrides config)")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *token != "" {
		// A flag token short-circuits config validation the same way
		// SLACK_TOKEN does.
		os.Setenv(config.EnvToken, *token)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}

	logger := newLogger(cfg.LogLevel, *verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return connect(ctx, cfg, logger)
}

// connect performs the bootstrap call, dials the stream endpoint, and
// runs the engine until the context ends or the stream dies.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := api.NewClient(api.ClientConfig{
		BaseURL: cfg.APIURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	snapshot, err := client.RTMStart(ctx, cfg.Token)
	if err != nil {
		return fmt.Errorf("bootstrapping RTM session: %w", err)
	}
	session := rtm.NewSession(snapshot, client, cfg.Token)
	logger.Info("session established",
		"self", session.Self()["name"],
		"team", session.Team()["name"],
	)

	stream, err := ws.Dial(ctx, session.URL(), ws.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer stream.Close()

	conn, err := rtm.NewConn(rtm.ConnConfig{
		Session:           session,
		Transport:         stream,
		Handler:           rtm.HandlerFunc(func(event *rtm.Event) { logger.Info(event.String()) }),
		Logger:            logger,
		KeepaliveInterval: cfg.Keepalive(),
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return conn.Run(ctx) })
	group.Go(func() error { return stream.ReadLoop(ctx, conn.Receive) })
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newLogger builds a text slog logger at the configured level. The
// verbose flag wins over the config level.
func newLogger(level string, verbose bool) *slog.Logger {
	slogLevel := slog.LevelInfo
	switch {
	case verbose:
		slogLevel = slog.LevelDebug
	case level == "debug":
		slogLevel = slog.LevelDebug
	case level == "warn":
		slogLevel = slog.LevelWarn
	case level == "error":
		slogLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
