package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/floegence/sitebridge/internal/auditlog"
	"github.com/floegence/sitebridge/internal/config"
)

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 50, "Maximum number of entries, newest first")
	asJSON := fs.Bool("json", false, "Print entries as JSON lines")
	_ = fs.Parse(args)
	path := filepath.Clean(*cfgPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	store, err := auditlog.New(auditlog.Options{StateDir: cfg.ResolveStateDir(path)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	entries, err := store.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read audit log: %v\n", err)
		os.Exit(1)
	}
	if err := printAuditEntries(os.Stdout, entries, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "failed to print audit log: %v\n", err)
		os.Exit(1)
	}
}

func printAuditEntries(w io.Writer, entries []auditlog.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No audit entries.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tSTATUS\tSITE\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt, e.Action, e.Status, dash(e.Site), dash(auditDetail(e)))
	}
	return tw.Flush()
}

func auditDetail(e auditlog.Entry) string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.UserID != 0 {
		parts = append(parts, fmt.Sprintf("user=%d", e.UserID))
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}
	return strings.Join(parts, " ")
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
