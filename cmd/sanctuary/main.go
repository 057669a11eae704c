package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/sanctuary/pkg/config"
	"github.com/Mindburn-Labs/sanctuary/pkg/framework"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "profile":
		return runProfileCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "sanctuary %s\n", framework.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sSanctuary %s%s\n", colorBold, framework.Version, colorReset)
	_, _ = fmt.Fprintf(w, "%sSafety sessions for intensity-gated content.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  sanctuary <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the safety service over HTTP (default)")
	printCommand(w, "doctor", "Check configuration and backends (--json)")

	printSection(w, "PROFILES")
	printCommand(w, "profile", "export <user> | import <file> | show <user>")

	printSection(w, "OPERATIONS")
	printCommand(w, "report", "Generate a safety report: report <kind> [--from --to]")
	printCommand(w, "audit", "verify: check the persisted audit chain")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

// setupLogging installs the process logger described by cfg.
func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadConfig loads configuration and reports failures on stderr.
func loadConfig(stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return nil, false
	}
	setupLogging(cfg, stderr)
	return cfg, true
}
