package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func init() {
	flag.Usage = func() {
		banner := fmt.Sprintf("mcprelayd %s", Version)
		if useColor() {
			banner = "\033[1m" + banner + "\033[0m"
		}
		fmt.Fprintf(os.Stderr, "%s\n", banner)
		fmt.Fprintf(os.Stderr, "Streaming MCP relay: JSON-RPC over HTTP, resumable SSE, plugin tools\n\n")
		fmt.Fprintf(os.Stderr, "Usage: mcprelayd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fmt.Fprintf(os.Stderr, "  --config <path>       YAML config path (default: ./config.yaml)\n")
		fmt.Fprintf(os.Stderr, "  --bind <addr>         Bind address, overrides config bind_address\n")
		fmt.Fprintf(os.Stderr, "  --http-port <port>    Plain HTTP port, overrides config http_port\n")
		fmt.Fprintf(os.Stderr, "  --https-port <port>   HTTPS port, overrides config https_port (0 disables TLS)\n")
		fmt.Fprintf(os.Stderr, "  --plugin-dir <path>   Plugin directory, overrides config plugin_directory\n")
		fmt.Fprintf(os.Stderr, "  --log-level <level>   debug, info, warn, error (default: info)\n")
		fmt.Fprintf(os.Stderr, "  --log-format <format> text or json (default: text)\n")
		fmt.Fprintf(os.Stderr, "  --version, -v         Print version and exit\n")
		fmt.Fprintf(os.Stderr, "  --help, -h            Show this help message\n")
	}
}

// useColor reports whether the process's stderr is an interactive terminal,
// the way CLI tools in the corpus gate colorized output.
func useColor() bool {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
