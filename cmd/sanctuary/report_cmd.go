package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/report"
)

// runReportCmd builds a report in a fresh process. Session data lives in
// the serving process, so offline reports draw on the persisted audit log.
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	from := cmd.String("from", "", "Range start (RFC 3339)")
	to := cmd.String("to", "", "Range end (RFC 3339, default now)")
	if len(args) == 0 {
		_, _ = fmt.Fprintf(stderr, "Usage: sanctuary report <kind> [--from t] [--to t]\nKinds: %v\n", report.Kinds())
		return 2
	}
	kind, err := report.ParseKind(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\nKinds: %v\n", err, report.Kinds())
		return 2
	}
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	var rng report.TimeRange
	for _, p := range []struct {
		v   string
		dst *time.Time
	}{{*from, &rng.From}, {*to, &rng.To}} {
		if p.v == "" {
			continue
		}
		if *p.dst, err = time.Parse(time.RFC3339, p.v); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid time %q: %v\n", p.v, err)
			return 2
		}
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = rt.Close(ctx) }()

	rep, err := rt.fw.GenerateReport(ctx, kind, rng)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	return 0
}
