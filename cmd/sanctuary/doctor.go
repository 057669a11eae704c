package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/archive"
	"github.com/Mindburn-Labs/sanctuary/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "config", Status: "ok",
			Detail: fmt.Sprintf("ceiling=%s fallback=%s backend=%s", cfg.RiskCeiling, cfg.FallbackBehavior, cfg.ProfileBackend)})
		results = append(results, backendChecks(cfg)...)
	}

	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		for _, r := range results {
			mark := colorGreen + "✓" + colorReset
			switch r.Status {
			case "warn":
				mark = "\033[33m!" + colorReset
			case "fail":
				mark = "\033[31m✗" + colorReset
			}
			_, _ = fmt.Fprintf(stdout, "  %s %-14s %s\n", mark, r.Name, r.Detail)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}

func backendChecks(cfg *config.Config) []checkResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []checkResult
	if _, err := cfg.Policy.Classifier(); err != nil {
		out = append(out, checkResult{Name: "policy", Status: "fail", Detail: err.Error()})
	} else {
		detail := "built-in"
		if cfg.PolicyFile != "" {
			detail = cfg.PolicyFile
		}
		out = append(out, checkResult{Name: "policy", Status: "ok", Detail: detail})
	}

	rt := &runtime{cfg: cfg}
	defer func() { _ = rt.Close(ctx) }()
	if _, err := openProfiles(ctx, cfg, rt); err != nil {
		out = append(out, checkResult{Name: "profiles", Status: "fail", Detail: err.Error()})
	} else {
		out = append(out, checkResult{Name: "profiles", Status: "ok", Detail: cfg.ProfileBackend})
	}

	if cfg.AuditDB == "" {
		out = append(out, checkResult{Name: "audit", Status: "warn", Detail: "SANCTUARY_AUDIT_DB not set (audit log is memory only)"})
	} else if res, err := verifyAudit(ctx, cfg.AuditDB); err != nil {
		out = append(out, checkResult{Name: "audit", Status: "fail", Detail: err.Error()})
	} else if !res.Valid {
		out = append(out, checkResult{Name: "audit", Status: "fail", Detail: res.Error})
	} else {
		out = append(out, checkResult{Name: "audit", Status: "ok", Detail: fmt.Sprintf("%d entries", res.Entries)})
	}

	if store, err := archive.NewStore(ctx, archiveConfig(cfg)); err != nil {
		out = append(out, checkResult{Name: "archive", Status: "fail", Detail: err.Error()})
	} else {
		if c, ok := store.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		out = append(out, checkResult{Name: "archive", Status: "ok", Detail: cfg.Archive.Type})
	}
	return out
}
