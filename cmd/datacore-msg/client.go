package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/datafund/datacore-messaging/internal/client"
	"github.com/datafund/datacore-messaging/internal/client/config"
	"github.com/datafund/datacore-messaging/internal/client/relayclient"
	"github.com/datafund/datacore-messaging/internal/client/watcher"
	"github.com/datafund/datacore-messaging/internal/inbox"
	"github.com/datafund/datacore-messaging/internal/logging"
	"github.com/datafund/datacore-messaging/internal/relay/wire"
	"github.com/datafund/datacore-messaging/relay"
)

// pollInterval is the inbox polling cadence. Coarse on purpose: the
// inbox is small and the relay covers the low-latency path.
const pollInterval = 2 * time.Second

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	host := fs.Bool("host", false, "host an embedded relay for the team")
	_ = fs.Parse(args)

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.PrintBanner("client", version, cfg.Messaging.Relay.URL)

	store := inbox.NewStore(cfg.Root, cfg.Messaging.DefaultSpace)
	sender := client.NewSender(cfg, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *host {
		if cfg.Messaging.Relay.Secret == "" {
			return fmt.Errorf("hosting a relay requires messaging.relay.secret")
		}
		server, err := relay.NewServer(relay.ServerConfig{
			Addr:   defaultRelayAddr(),
			Secret: cfg.Messaging.Relay.Secret,
		})
		if err != nil {
			return err
		}
		logging.PrintAccessURL(defaultRelayAddr())
		go func() {
			if err := server.Serve(ctx); err != nil {
				slog.Error("embedded relay failed", "error", err)
				stop()
			}
		}()
	}

	// Background network task: reconnecting relay connection whose
	// inbound frames land on the events channel consumed below.
	var events <-chan any
	if cfg.RelayEnabled() {
		rc := relayclient.New(relayclient.Options{
			URL:       cfg.Messaging.Relay.URL,
			Secret:    cfg.Messaging.Relay.Secret,
			Username:  cfg.Identity.Name,
			Whitelist: cfg.Messaging.ClaudeWhitelist,
		})
		events = rc.Events()
		go func() { _ = rc.Run(ctx) }()
	} else {
		slog.Info("relay disabled (no secret configured); local inbox only")
	}

	// Inbox polling for messages that arrive via the filesystem.
	w := watcher.New(store, cfg.Identity.Name, pollInterval,
		filepath.Join(os.TempDir(), "datacore-msg-last-check"))
	go w.Run(ctx, func(recs []inbox.Record) {
		for _, r := range recs {
			slog.Info("new message", "from", r.From(), "id", r.ID(), "priority", r.Priority())
		}
	})

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case e, ok := <-eventsOrNil(events):
			if !ok {
				events = nil
				continue
			}
			handleEvent(sender, cfg.Identity.Name, e)
		}
	}
}

// eventsOrNil lets the select block forever when the relay is disabled.
func eventsOrNil(ch <-chan any) <-chan any {
	if ch == nil {
		return nil
	}
	return ch
}

// handleEvent reacts to one inbound relay frame.
func handleEvent(sender *client.Sender, me string, e any) {
	switch f := e.(type) {
	case *wire.Message:
		id, err := sender.Receive(me, f)
		if err != nil {
			slog.Error("could not store received message", "from", f.From, "error", err)
			return
		}
		if id == "" {
			return // already on disk via the shared filesystem
		}
		slog.Info("message received", "from", f.From, "id", id, "priority", f.Priority)
	case *wire.PresenceChange:
		slog.Info("presence", "user", f.User, "status", f.Status)
	case *wire.AuthOK:
		slog.Info("online", "users", f.Online)
	case *wire.Error:
		slog.Warn("relay error", "message", f.Message)
	}
}
