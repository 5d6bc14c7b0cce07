package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/datafund/datacore-messaging/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		// No subcommand: run the client (default).
		if err := runClient(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "relay":
		if err := runRelay(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		// A leading '-' means client flags, not a subcommand.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runClient(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: datacore-msg [relay|version] [flags]\n")
		os.Exit(1)
	}
}
