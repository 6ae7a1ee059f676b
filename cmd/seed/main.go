// seed inserts a development tenant for local testing and prints its API key.
// Idempotent: skips the insert if the dev tenant already exists (the key is
// only printed on first creation; reseed against a fresh database to get one).
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"clinic-crm/backend/internal/config"
	"clinic-crm/backend/internal/db"
	"clinic-crm/backend/internal/security"
	"clinic-crm/backend/internal/tenant/domain"
	"clinic-crm/backend/internal/tenant/repository"
)

const (
	// devTenantID is a fixed UUID (tenants.id is uuid typed) so reseeding
	// finds the existing row instead of inserting a second dev tenant.
	devTenantID   = "8a7b1c9e-5f2d-4e6a-9c3b-0d4f8e1a6b72"
	devTenantName = "Dev Clinic"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := repository.NewPostgresRepository(conn)
	if existing, err := repo.GetByID(ctx, devTenantID); err != nil {
		log.Fatalf("lookup dev tenant: %v", err)
	} else if existing != nil {
		log.Printf("dev tenant %s already exists; skipping", devTenantID)
		return
	}

	key, prefix, err := security.GenerateAPIKey()
	if err != nil {
		log.Fatalf("generate api key: %v", err)
	}
	salt, err := security.NewSalt()
	if err != nil {
		log.Fatalf("generate salt: %v", err)
	}

	now := time.Now().UTC()
	t := &domain.Tenant{
		ID:        devTenantID,
		Name:      devTenantName,
		Status:    domain.StatusActive,
		KeyPrefix: prefix,
		KeyHash:   security.HashAPIKey(key, salt),
		KeySalt:   salt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.Validate(); err != nil {
		log.Fatalf("tenant: %v", err)
	}
	if err := repo.Create(ctx, t); err != nil {
		log.Fatalf("create dev tenant: %v", err)
	}

	log.Printf("created dev tenant %s (%s)", devTenantName, devTenantID)
	fmt.Printf("API key (shown once, store it now): %s\n", key)
}
