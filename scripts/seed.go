package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/enrichswarm/internal/adapters/database"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	"github.com/zatekoja/enrichswarm/pkg/config"
	"github.com/zatekoja/enrichswarm/pkg/secrets"
)

const demoDatasetID = "demo-companies"

type company struct {
	name    string
	website string
	about   string
}

var companies = []company{
	{name: "Acme Corp", website: "https://acme.example.com", about: "Acme Corp makes anvils, rockets and other desert equipment."},
	{name: "Globex", website: "https://globex.example.com", about: "Globex Corporation is a multinational with a campus in Cypress Creek."},
	{name: "Initech", website: "https://initech.example.com", about: "Initech builds banking software and files TPS reports."},
	{name: "Umbrella", website: "https://umbrella.example.com", about: "Umbrella is a pharmaceutical company headquartered in Raccoon City."},
	{name: "Hooli", website: "https://hooli.example.com", about: "Hooli is a technology company known for search and compression."},
	{name: "Stark Industries", website: "https://stark.example.com", about: "Stark Industries designs clean energy and aerospace systems."},
	{name: "Wayne Enterprises", website: "https://wayne.example.com", about: "Wayne Enterprises is a Gotham conglomerate with a foundation arm."},
	{name: "Soylent", website: "https://soylent.example.com", about: "Soylent produces meal replacement products."},
}

// seed creates a demo dataset whose name column is filled and whose website
// column is left for enrichment, then indexes the companies for search.
func main() {
	observability.InitLogger("enrichswarm-seed", "development", false)

	if res, err := secrets.NewLoader(secrets.VaultConfigFromEnv(), nil).Apply(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to load secrets from Vault")
	} else if len(res.Loaded) > 0 {
		log.Info().Strs("keys", res.Loaded).Msg("Secrets loaded from Vault")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	defer pgClient.Close()

	ctx := context.Background()

	if os.Getenv("RESET_DB") == "true" {
		log.Info().Msg("RESET_DB=true detected, truncating tables before seeding")
		if _, err := pgClient.DB().ExecContext(ctx, `
			TRUNCATE TABLE cell_citations, cells, dataset_columns, datasets
		`); err != nil {
			log.Fatal().Err(err).Msg("Failed to reset tables")
		}
	}

	owner := os.Getenv("SEED_OWNER")
	if owner == "" {
		owner = "demo-owner"
	}

	repo := database.NewDatasetAdapter(pgClient, nil)
	err = repo.CreateDataset(ctx, &entities.Dataset{
		ID:      demoDatasetID,
		Name:    "Demo companies",
		OwnerID: owner,
		Columns: []entities.ColumnSchema{
			{ID: "name", Name: "Name", Type: entities.ColumnTypeString, Required: true},
			{ID: "website", Name: "Website", Type: entities.ColumnTypeURL},
			{ID: "employees", Name: "Employees", Type: entities.ColumnTypeNumber},
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create demo dataset")
	}

	now := time.Now()
	for i, c := range companies {
		if err := repo.WriteCell(ctx, &entities.Cell{
			DatasetID: demoDatasetID,
			Row:       i,
			ColumnID:  "name",
			Value:     entities.StringValue(c.name),
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			log.Error().Err(err).Int("row", i).Msg("Failed to write name cell")
		}
	}
	log.Info().Str("dataset_id", demoDatasetID).Int("rows", len(companies)).Str("owner", owner).Msg("Seeded dataset")

	tsClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		log.Warn().Err(err).Msg("Typesense unavailable, skipping search documents")
		return
	}
	if err := tsClient.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Typesense collection")
	}

	indexed := 0
	for _, c := range companies {
		doc := map[string]interface{}{
			"id":         strings.ToLower(strings.ReplaceAll(c.name, " ", "-")),
			"title":      c.name + " official site",
			"url":        c.website,
			"content":    c.about,
			"tags":       []string{"company"},
			"indexed_at": now.Unix(),
		}
		if err := tsClient.IndexDocument(ctx, doc); err != nil {
			log.Error().Err(err).Str("company", c.name).Msg("Failed to index document")
			continue
		}
		indexed++
	}
	log.Info().Int("documents", indexed).Str("collection", tsClient.Collection()).Msg("Indexed search documents")
}
