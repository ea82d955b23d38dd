package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/oakbuilders/bid-finder/internal/db"
)

func main() {
	limit := flag.Int("n", 10, "number of runs to show")
	showErrors := flag.Bool("errors", false, "print each run's error lines")
	flag.Parse()

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).RecentRuns(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Started At", "Sources", "Stored", "New", "Errors", "Skipped", "Duration"})

	for _, r := range runs {
		duration := (time.Duration(r.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		t.AppendRow(table.Row{r.ID, r.RunDate.Local().Format("2006-01-02 15:04"), len(r.SourcesSearched), r.TotalFound, r.NewOpportunities, len(r.Errors), len(r.Skipped), duration})
	}
	t.Render()

	if *showErrors {
		for _, r := range runs {
			if len(r.Errors) == 0 {
				continue
			}
			log.Printf("run %d:\n  %s", r.ID, strings.Join(r.Errors, "\n  "))
		}
	}
}
