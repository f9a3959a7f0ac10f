package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stockengine/database"
	"stockengine/internal/config"
	"stockengine/server"
)

func main() {
	provision := flag.Bool("provision", false, "load the reference workbooks from REFERENCE_DIR before serving")
	flag.Parse()

	log.Println("Starting stock engine...")

	log.Println("[1/3] Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded. Port: %s, database: %s", cfg.Port, cfg.DatabasePath)

	log.Println("[2/3] Initializing record store...")
	dbConfig := database.DBConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	db, err := database.NewStockDBWithConfig(cfg.DatabasePath, dbConfig)
	if err != nil {
		log.Fatalf("Failed to initialize record store at %s: %v", cfg.DatabasePath, err)
	}
	defer db.Close()
	log.Printf("Record store initialized: %s", cfg.DatabasePath)

	if *provision {
		provisionReference(db, cfg.ReferenceDir)
	}

	log.Println("[3/3] Starting HTTP server...")
	srv := server.NewServer(cfg, db)

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Printf("Received signal %s, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// provisionReference bulk-loads the reference workbooks. Missing workbooks
// are skipped with a warning so a partial reference dir still provisions
// what it has.
func provisionReference(db *database.StockDB, dir string) {
	load := func(name string, loader func(string) (int, error)) {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Printf("[Provision] %s not found, skipping", path)
			return
		}
		loaded, err := loader(path)
		if err != nil {
			log.Fatalf("[Provision] failed to load %s: %v", path, err)
		}
		log.Printf("[Provision] loaded %d rows from %s", loaded, path)
	}

	load("catalog.xlsx", db.LoadCatalogFromXLSX)
	load("patterns.xlsx", db.LoadPatternsFromXLSX)
	load("glossary.xlsx", db.LoadGlossaryFromXLSX)
}
