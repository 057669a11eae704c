package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
)

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: sanctuary audit verify [--db path] [--json]")
		return 2
	}
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dbPath := cmd.String("db", "", "Audit database (default SANCTUARY_AUDIT_DB)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if *dbPath == "" {
		cfg, ok := loadConfig(stderr)
		if !ok {
			return 1
		}
		*dbPath = cfg.AuditDB
	}
	if *dbPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no audit database configured (set SANCTUARY_AUDIT_DB or --db)")
		return 2
	}

	res, err := verifyAudit(context.Background(), *dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(res)
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "audit chain valid: %d entries, head %s\n", res.Entries, res.Head)
	} else {
		_, _ = fmt.Fprintf(stdout, "audit chain BROKEN: %s\n", res.Error)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

type auditResult struct {
	Entries int    `json:"entries"`
	Head    string `json:"head,omitempty"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

func verifyAudit(ctx context.Context, path string) (auditResult, error) {
	sink, err := audit.OpenSQLiteSink(path)
	if err != nil {
		return auditResult{}, err
	}
	defer func() { _ = sink.Close() }()
	entries, err := sink.All(ctx)
	if err != nil {
		return auditResult{}, err
	}
	log := audit.NewLog()
	if err := log.Restore(entries); err != nil {
		return auditResult{Entries: len(entries), Error: err.Error()}, nil
	}
	return auditResult{Entries: log.Len(), Head: log.Head(), Valid: true}, nil
}
