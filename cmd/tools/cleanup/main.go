package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/oakbuilders/bid-finder/internal/db"
	"github.com/oakbuilders/bid-finder/internal/models"
)

type result struct {
	Expired       int `json:"expired_removed"`
	Duplicates    int `json:"duplicates_removed"`
	Opportunities int `json:"opportunities_remaining"`
}

func main() {
	expire := flag.Bool("expire", true, "remove new opportunities whose due date has passed")
	dedup := flag.Bool("dedup", true, "remove lower-scored rows with the same normalized title")
	flag.Parse()

	if !*expire && !*dedup {
		exitErr("nothing to do: both -expire and -dedup are false")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		exitErr("connect: %v", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	var res result
	if *expire {
		if res.Expired, err = store.RemoveExpired(ctx, models.Today()); err != nil {
			exitErr("remove expired: %v", err)
		}
	}
	if *dedup {
		if res.Duplicates, err = store.Deduplicate(ctx); err != nil {
			exitErr("deduplicate: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		exitErr("stats: %v", err)
	}
	res.Opportunities = stats.Total

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(res); err != nil {
		exitErr("encode: %v", err)
	}
}

func exitErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
