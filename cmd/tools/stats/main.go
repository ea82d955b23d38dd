package main

import (
	"context"
	"log"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/oakbuilders/bid-finder/internal/db"
)

func main() {
	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	st, err := db.NewStore(pool).Stats(ctx)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Bid opportunities")
	t.AppendHeader(table.Row{"Metric", "Count"})
	t.AppendRow(table.Row{"Total", st.Total})
	t.AppendRow(table.Row{"New", st.New})
	t.AppendRow(table.Row{"High relevance", st.HighRelevance})
	t.AppendRow(table.Row{"Due this week", st.DueThisWeek})
	appendCounts(t, "type", st.ByType)
	appendCounts(t, "source", st.BySource)
	appendCounts(t, "status", st.ByStatus)
	if st.LastRun != nil {
		t.AppendFooter(table.Row{"Last run", st.LastRun.RunDate.Local().Format("2006-01-02 15:04")})
	}
	t.Render()
}

func appendCounts(t table.Writer, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t.AppendSeparator()
	for _, k := range keys {
		t.AppendRow(table.Row{label + ": " + k, counts[k]})
	}
}
