package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/db"
	"github.com/oakbuilders/bid-finder/internal/ingest"
)

func main() {
	sourceID := flag.String("source", "", "Source ID to scan (e.g., fairfax_county)")
	save := flag.Bool("save", false, "store results and log a search run instead of a dry run")
	limit := flag.Int("limit", 25, "rows to print")
	flag.Parse()

	if *sourceID == "" {
		log.Fatal("Please provide a source ID using -source flag")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	src, ok := cfg.SourceByID(*sourceID)
	if !ok {
		log.Fatalf("Unknown source %q", *sourceID)
	}

	ctx := context.Background()
	var store ingest.RecordStore
	if *save {
		pool, err := db.Connect(ctx)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		store = db.NewStore(pool)
	}

	pipeline := ingest.NewPipeline(cfg, store)
	pipeline.Sources = []config.Source{src}

	log.Printf("Starting manual scan for source: %s (%s adapter)", src.ID, pipeline.Factory.Resolve(src))
	if *save {
		run, err := pipeline.Run(ctx, nil)
		if err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		log.Printf("Run %d finished for %s. Stored: %d, New: %d, Errors: %v", run.ID, src.ID, run.TotalFound, run.NewOpportunities, run.Errors)
		return
	}

	found, run := pipeline.Gather(ctx, nil)
	for _, e := range run.Errors {
		log.Printf("error: %s", e)
	}
	scored := pipeline.ScoreAll(found)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Score", "KW", "Loc", "Budget", "Due", "SA", "Type", "Due Date", "Title"})
	for i, s := range scored {
		if i >= *limit {
			break
		}
		b := s.Breakdown
		o := s.Opportunity
		t.AppendRow(table.Row{b.Total, b.Keyword, b.Location, b.Budget, b.Deadline, b.SetAside, o.ProjectType, o.DueDate, truncate(o.Title, 70)})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", len(scored)})
	t.Render()

	below := 0
	for _, s := range scored {
		if s.Opportunity.RelevanceScore < cfg.Run.MinStoreScore {
			below++
		}
	}
	log.Printf("%d of %d would be discarded by the store floor (%d)", below, len(scored), cfg.Run.MinStoreScore)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
