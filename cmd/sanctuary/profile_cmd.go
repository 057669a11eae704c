package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sanctuary/pkg/profile"
)

func runProfileCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: sanctuary profile <export|import|show> [options]")
		return 2
	}
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	rt := &runtime{cfg: cfg}
	defer func() { _ = rt.Close(ctx) }()
	store, err := openProfiles(ctx, cfg, rt)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch args[0] {
	case "export":
		return profileExport(ctx, store, args[1:], stdout, stderr)
	case "import":
		return profileImport(ctx, store, args[1:], stdout, stderr)
	case "show":
		return profileShow(ctx, store, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown profile subcommand: %s\n", args[0])
		return 2
	}
}

// lookup returns a profile from memory or the backend.
func lookup(ctx context.Context, store *profile.Store, userID string) error {
	if _, ok := store.Get(userID); ok {
		return nil
	}
	_, err := store.Load(ctx, userID)
	return err
}

func profileExport(ctx context.Context, store *profile.Store, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("profile export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	out := cmd.String("out", "", "Write the profile to this file instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: sanctuary profile export [--out file] <user-id>")
		return 2
	}
	userID := cmd.Arg(0)
	if err := lookup(ctx, store, userID); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := store.Export(userID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *out == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "exported %s to %s\n", userID, *out)
	return 0
}

func profileImport(ctx context.Context, store *profile.Store, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: sanctuary profile import <file>")
		return 2
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	p, err := store.Import(ctx, data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "imported %s (risk %s)\n", p.UserID, p.RiskLevel)
	return 0
}

func profileShow(ctx context.Context, store *profile.Store, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: sanctuary profile show <user-id>")
		return 2
	}
	if err := lookup(ctx, store, args[0]); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	p, _ := store.Get(args[0])
	a := profile.AssessRisk(p, 0, store.Weights())
	summary := map[string]any{
		"user_id":            p.UserID,
		"consent":            p.Consent,
		"risk_level":         p.RiskLevel,
		"risk_score":         a.Score,
		"trigger_categories": p.TriggerCategories,
		"hard_boundaries":    p.HardBoundaryCount(),
		"soft_boundaries":    p.SoftBoundaryCount(),
		"safe_words":         len(p.SafeWords),
		"emergency_contacts": len(p.EmergencyContacts),
		"last_updated":       p.LastUpdated,
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
	return 0
}
