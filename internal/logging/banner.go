package logging

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mdp/qrterminal/v3"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

// Logo lines — base Datacore ASCII art.
var logoLines = [5]string{
	`  ____        _                          `,
	` |  _ \  __ _| |_ __ _  ___ ___  _ __ ___ `,
	` | | | |/ _` + "`" + ` | __/ _` + "`" + ` |/ __/ _ \| '__/ _ \`,
	` | |_| | (_| | || (_| | (_| (_) | | |  __/`,
	` |____/ \__,_|\__\__,_|\___\___/|_|  \___|`,
}

// Mode-specific ASCII art (right-side, same height as logo).
var relayArt = [5]string{
	`  ____      _             `,
	` |  _ \ ___| | __ _ _   _ `,
	` | |_) / _ \ |/ _` + "`" + ` | | | |`,
	` |  _ <  __/ | (_| | |_| |`,
	` |_| \_\___|_|\__,_|\__, |`,
}

var msgArt = [5]string{
	`  __  __           `,
	` |  \/  |___  __ _ `,
	` | |\/| / __|/ _` + "`" + ` |`,
	` | |  | \__ \ (_| |`,
	` |_|  |_|___/\__, |`,
}

// PrintBanner prints the Datacore ASCII art logo with mode-specific art
// appended to the right, then version and listen address. Colors are used
// only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[5]string
	var modeColor string
	switch mode {
	case "relay":
		modeArt = &relayArt
		modeColor = green
	default: // client
		modeArt = &msgArt
		modeColor = yellow
	}

	for i := 0; i < 5; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

// addrToURL converts a listen address (e.g. ":8080", "0.0.0.0:8080") into a
// ws://localhost:<port>/ws URL clients can be pointed at.
func addrToURL(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strings.TrimPrefix(addr, ":")
	}
	if port == "" || port == "80" {
		return "ws://localhost/ws"
	}
	return "ws://localhost:" + port + "/ws"
}

// PrintAccessURL prints the relay websocket URL and a QR code to stderr.
// The QR code is only printed when stderr is a TTY.
func PrintAccessURL(addr string) {
	url := addrToURL(addr)
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	if isTTY {
		fmt.Fprintf(os.Stderr, "  %s%s➜%s  %s%s%s\n\n", bold, green, reset, bold, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  ➜  %s\n\n", url)
	}

	if isTTY {
		qrterminal.GenerateWithConfig(url, qrterminal.Config{
			Level:          qrterminal.L,
			Writer:         os.Stderr,
			QuietZone:      1,
			HalfBlocks:     true,
			BlackChar:      qrterminal.BLACK_BLACK,
			WhiteChar:      qrterminal.WHITE_WHITE,
			BlackWhiteChar: qrterminal.BLACK_WHITE,
			WhiteBlackChar: qrterminal.WHITE_BLACK,
		})
		fmt.Fprintln(os.Stderr)
	}
}
