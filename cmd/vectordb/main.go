// Package main implements the vectordb server binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arkilian/vectordb/internal/app"
	"github.com/arkilian/vectordb/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		grpcAddr    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Directory for the catalog and segment files")
	flag.StringVar(&httpAddr, "http-addr", "", "Admin HTTP address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "vectordb - vector table engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: vectordb [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  VECTORDB_DATA_DIR        Directory for data files\n")
		fmt.Fprintf(os.Stderr, "  VECTORDB_HTTP_ADDR       Admin HTTP address\n")
		fmt.Fprintf(os.Stderr, "  VECTORDB_GRPC_ADDR       gRPC health address\n")
		fmt.Fprintf(os.Stderr, "  VECTORDB_STORAGE_TYPE    Archive tier (none, local, s3, minio)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("vectordb version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads the file, if any, over the defaults, then applies the
// environment.
func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
