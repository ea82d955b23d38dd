package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oakbuilders/bid-finder/internal/db"
	"github.com/oakbuilders/bid-finder/internal/export"
	"github.com/oakbuilders/bid-finder/internal/models"
)

func main() {
	format := flag.String("format", "csv", "csv or json")
	out := flag.String("out", "", "output file (default bid_opportunities_YYYYMMDD.<format>, - for stdout)")
	minScore := flag.Int("min-score", 0, "minimum relevance score")
	projectType := flag.String("type", "", "project type filter")
	status := flag.String("status", "", "status filter")
	source := flag.String("source", "", "source id filter")
	limit := flag.Int("limit", 500, "maximum rows")
	flag.Parse()

	if *format != "csv" && *format != "json" {
		exitErr("invalid -format %q, want csv or json", *format)
	}
	if *status != "" && !models.Status(*status).Valid() {
		exitErr("invalid -status %q", *status)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		exitErr("connect: %v", err)
	}
	defer pool.Close()

	opps, err := db.NewStore(pool).Search(ctx, db.SearchParams{
		ProjectType: *projectType,
		MinScore:    *minScore,
		Status:      *status,
		Source:      *source,
		Limit:       *limit,
	})
	if err != nil {
		exitErr("search: %v", err)
	}

	now := time.Now()
	path := *out
	if path == "" {
		path = export.Filename(*format, now)
	}

	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			exitErr("create %s: %v", path, err)
		}
		defer f.Close()
		w = f
	}

	if *format == "json" {
		err = export.WriteJSON(w, opps, now)
	} else {
		err = export.WriteCSV(w, opps)
	}
	if err != nil {
		exitErr("write: %v", err)
	}
	if path != "-" {
		fmt.Fprintf(os.Stderr, "Exported %d opportunities to %s\n", len(opps), path)
	}
}

func exitErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
