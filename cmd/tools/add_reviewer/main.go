package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/oakbuilders/bid-finder/internal/auth"
	"github.com/oakbuilders/bid-finder/internal/db"
)

func main() {
	_ = godotenv.Load()

	email := flag.String("email", "", "reviewer email")
	password := flag.String("password", "", "reviewer password (or REVIEWER_PASSWORD)")
	flag.Parse()

	if *email == "" {
		log.Fatal("Please provide an email using -email flag")
	}
	if *password == "" {
		*password = os.Getenv("REVIEWER_PASSWORD")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	user, err := auth.NewService(pool).CreateReviewer(ctx, *email, *password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		log.Fatalf("Reviewer %s already exists", *email)
	case errors.Is(err, auth.ErrWeakPassword):
		log.Fatal("Password must be at least 8 characters")
	case err != nil:
		log.Fatalf("Create reviewer: %v", err)
	}
	log.Printf("Created reviewer %s (%s)", user.Email, user.ID)
}
