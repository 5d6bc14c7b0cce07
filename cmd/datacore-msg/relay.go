package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/datafund/datacore-messaging/internal/logging"
	"github.com/datafund/datacore-messaging/relay"
)

func runRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	addr := fs.String("addr", defaultRelayAddr(), "listen address")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	secret := os.Getenv("RELAY_SECRET")
	if secret == "" {
		return fmt.Errorf("RELAY_SECRET is required")
	}

	logging.PrintBanner("relay", version, *addr)
	logging.PrintAccessURL(*addr)

	server, err := relay.NewServer(relay.ServerConfig{
		Addr:   *addr,
		Secret: secret,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}

func defaultRelayAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}
