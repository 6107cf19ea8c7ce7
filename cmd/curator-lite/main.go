// Package main provides the lightweight local-mode entry point. This version
// requires no external databases: the normalization audit log lives in SQLite,
// for inspecting and exporting resolution history offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/gene-curation-server/internal/audit"
	"github.com/gene-curation-server/internal/config"
	"github.com/gene-curation-server/internal/domain"
)

func main() {
	cfg := config.LoadLiteConfig()

	dbPath := flag.String("db", cfg.DBPath, "path to the SQLite audit database")
	limit := flag.Int("limit", 50, "maximum entries to list")
	flag.Parse()

	store, err := audit.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open audit store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	args := flag.Args()
	cmd := "recent"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "recent":
		entries, err := store.ListRecent(ctx, *limit)
		if err != nil {
			log.Fatalf("Failed to list entries: %v", err)
		}
		printEntries(entries)
	case "text":
		if len(args) < 2 {
			log.Fatal("Usage: curator-lite text <raw_text>")
		}
		entries, err := store.ListByText(ctx, args[1], *limit)
		if err != nil {
			log.Fatalf("Failed to list entries: %v", err)
		}
		printEntries(entries)
	case "counts":
		if len(args) < 2 {
			log.Fatal("Usage: curator-lite counts <source_name>")
		}
		succeeded, failed, err := store.CountBySource(ctx, args[1])
		if err != nil {
			log.Fatalf("Failed to count entries: %v", err)
		}
		fmt.Printf("source=%s succeeded=%d failed=%d\n", args[1], succeeded, failed)
	case "export":
		if err := store.ExportJSON(ctx, os.Stdout); err != nil {
			log.Fatalf("Failed to export log: %v", err)
		}
	default:
		log.Fatalf("Unknown command %q (expected recent, text, counts, or export)", cmd)
	}
}

func printEntries(entries []*domain.NormalizationLogEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSOURCE\tRAW TEXT\tOK\tRESOLVED\tSTEPS")
	for _, e := range entries {
		resolved := e.ResolvedSymbol
		if resolved == "" {
			resolved = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.SourceName,
			e.RawText, e.Success, resolved, strings.Join(e.Steps, ","))
	}
	w.Flush()
}
