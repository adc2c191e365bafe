package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"notifications/internal/pkg/logger"
	"notifications/internal/platform/config"
	"notifications/internal/platform/database"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging, "migrate")

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Migration completed successfully")
}
