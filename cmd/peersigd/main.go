package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mintwire/peersig/internal/config"
	"github.com/mintwire/peersig/internal/peerserver"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	logger.Info("starting peersigd",
		"listen_addr", cfg.ListenAddr,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"max_message_bytes", cfg.MaxMessageBytes,
	)

	srv := peerserver.New(logger, peerserver.Config{
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		MaxMessageBytes:      cfg.MaxMessageBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := srv.Close(); err != nil {
		logger.Error("close failed", "err", err)
	}
	<-errCh

	for name, value := range srv.Metrics().Snapshot() {
		logger.Info("counter", "name", name, "value", value)
	}
}
