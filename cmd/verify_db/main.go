package main

import (
	"context"
	"fmt"
	"log"

	"github.com/oakbuilders/bid-finder/internal/db"
)

func main() {
	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	var total, withDue, withValue, withContact int
	err = pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(due_at),
			count(COALESCE(estimated_value_max, estimated_value_min)),
			count(NULLIF(contact_email, ''))
		FROM opportunities
	`).Scan(&total, &withDue, &withValue, &withContact)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Printf("Total opportunities: %d\n", total)
	fmt.Printf("With parseable due date: %d\n", withDue)
	fmt.Printf("With estimated value: %d\n", withValue)
	fmt.Printf("With contact email: %d\n", withContact)

	for _, table := range []string{"search_runs", "notification_batches", "reviewers", "schema_migrations"} {
		var n int
		if err := pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
			log.Fatalf("Count %s failed: %v", table, err)
		}
		fmt.Printf("%s: %d\n", table, n)
	}
}
