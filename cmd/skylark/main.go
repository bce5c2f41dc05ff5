// Package main implements the unified skylark binary. It can run the whole
// engine in one process or a single service based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/skylarkdb/skylark/internal/app"
	"github.com/skylarkdb/skylark/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		adminAddr   string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all local state")
	flag.StringVar(&mode, "mode", "", "Service mode: all, ingest, query, maintain")
	flag.StringVar(&adminAddr, "http-addr", "", "HTTP listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Skylark - multi-tenant telemetry table engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: skylark [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  skylark --data-dir /data/skylark\n")
		fmt.Fprintf(os.Stderr, "  skylark --mode ingest --data-dir /data/skylark\n")
		fmt.Fprintf(os.Stderr, "  skylark --config /etc/skylark/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SKYLARK_MODE              Service mode (all, ingest, query, maintain)\n")
		fmt.Fprintf(os.Stderr, "  SKYLARK_DATA_DIR          Base directory for local state\n")
		fmt.Fprintf(os.Stderr, "  PORT                      Admin/health HTTP port\n")
		fmt.Fprintf(os.Stderr, "  SKYLARK_STORAGE_TYPE      Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  AWS_S3_BUCKET             S3 bucket for tenant tables\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("skylark version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Load .env for local development before reading the environment.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, mode, adminAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

// loadConfig layers configuration: file, then environment, then flags.
func loadConfig(configFile, dataDir, mode, adminAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if adminAddr != "" {
		cfg.HTTP.AdminAddr = adminAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with a configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("Skylark %s starting", version)
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	if cfg.Storage.Type == "s3" {
		log.Printf("  Bucket:   %s", cfg.Storage.S3.Bucket)
	}
	log.Printf("  HTTP:     %s", cfg.HTTP.AdminAddr)
}
