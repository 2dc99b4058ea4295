// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bleepstoreio/bleepstore/internal/cluster"
	"github.com/bleepstoreio/bleepstore/internal/config"
	"github.com/bleepstoreio/bleepstore/internal/logging"
	"github.com/bleepstoreio/bleepstore/internal/metadata"
	"github.com/bleepstoreio/bleepstore/internal/server"
	"github.com/bleepstoreio/bleepstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	bind := flag.String("bind", "", "override listening address HOST:PORT (default: from config)")
	logLevel := flag.String("log-level", "", "override logging.level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging.format (text, json)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "override server.shutdown_timeout in seconds")
	maxObjectSize := flag.Int64("max-object-size", 0, "override server.max_object_size in bytes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *bind != "" {
		host, port, splitErr := splitHostPort(*bind)
		if splitErr != nil {
			fmt.Fprintf(os.Stderr, "invalid --bind value %q: %v\n", *bind, splitErr)
			os.Exit(1)
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Crash-only design: every startup is recovery.
	// No special recovery mode. Steps that would normally be "recovery" run on
	// every boot:
	// - the metadata store's own engine recovers itself on open (e.g. SQLite WAL)
	// - temp file cleanup (below, local storage backend only)
	// - default credential seeding (below)

	metaStore, err := openMetadataStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	// Seed default credentials (idempotent -- crash-only recovery step).
	if err := seedDefaultCredentials(metaStore, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed credentials: %v\n", err)
		os.Exit(1)
	}

	storageBackend, err := openStorageBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	// Cluster mode is scaffolded but not implemented: a node always runs as
	// its own single-node cluster, so a configured Raft node never gains a
	// leader and the metadata store is never driven through Apply.
	var raftNode *cluster.RaftNode
	if cfg.Cluster.Enabled {
		raftNode = cluster.NewRaftNode(cfg.Cluster.NodeID, cfg.Cluster.BindAddr, cfg.Cluster.Peers)
		if err := raftNode.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start cluster node: %v\n", err)
			os.Exit(1)
		}
		defer raftNode.Stop()
	}

	srv, err := server.New(cfg, metaStore, server.WithStorageBackend(storageBackend))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests up to shutdown_timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)

		timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown deadline exceeded, forcing exit: %v", err)
			os.Exit(1)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// splitHostPort parses a "HOST:PORT" flag value into its components.
func splitHostPort(bind string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// openMetadataStore selects and initializes the metadata store engine named
// by cfg.Metadata.Engine. sqlite is the reference, fully crash-recoverable
// engine and remains the default.
func openMetadataStore(cfg *config.Config) (metadata.MetadataStore, error) {
	switch cfg.Metadata.Engine {
	case "memory":
		log.Printf("Metadata store: memory")
		return metadata.NewMemoryStore(), nil
	case "local":
		store, err := metadata.NewLocalStore(&cfg.Metadata.Local)
		if err != nil {
			return nil, err
		}
		log.Printf("Metadata store: local (%s)", cfg.Metadata.Local.RootDir)
		return store, nil
	case "dynamodb":
		store, err := metadata.NewDynamoDBStore(&cfg.Metadata.DynamoDB)
		if err != nil {
			return nil, err
		}
		log.Printf("Metadata store: dynamodb (table=%s region=%s)", cfg.Metadata.DynamoDB.Table, cfg.Metadata.DynamoDB.Region)
		return store, nil
	case "firestore":
		store, err := metadata.NewFirestoreStore(context.Background(), &cfg.Metadata.Firestore)
		if err != nil {
			return nil, err
		}
		log.Printf("Metadata store: firestore (project=%s)", cfg.Metadata.Firestore.ProjectID)
		return store, nil
	case "cosmos":
		store, err := metadata.NewCosmosStore(context.Background(), &cfg.Metadata.Cosmos)
		if err != nil {
			return nil, err
		}
		log.Printf("Metadata store: cosmos (database=%s container=%s)", cfg.Metadata.Cosmos.Database, cfg.Metadata.Cosmos.Container)
		return store, nil
	default:
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		log.Printf("Metadata store: sqlite (%s)", dbPath)
		return store, nil
	}
}

// openStorageBackend selects and initializes the blob storage backend named
// by cfg.Storage.Backend.
func openStorageBackend(cfg *config.Config) (storage.StorageBackend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		mem := cfg.Storage.Memory
		backend, err := storage.NewMemoryBackend(mem.MaxSizeBytes, mem.Persistence, mem.SnapshotPath, mem.SnapshotIntervalSeconds)
		if err != nil {
			return nil, err
		}
		log.Printf("Storage backend: memory")
		return backend, nil
	case "sqlite":
		dbPath := cfg.Metadata.SQLite.Path
		store, err := storage.NewSQLiteBackend(dbPath)
		if err != nil {
			return nil, err
		}
		log.Printf("Storage backend: sqlite (%s)", dbPath)
		return store, nil
	case "aws":
		aws := cfg.Storage.AWS
		if aws.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
		region := aws.Region
		if region == "" {
			region = "us-east-1"
		}
		backend, err := storage.NewAWSGatewayBackend(context.Background(), aws.Bucket, region, aws.Prefix, aws.EndpointURL, aws.UsePathStyle, aws.AccessKeyID, aws.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		log.Printf("Storage backend: aws (bucket=%s region=%s prefix=%q)", aws.Bucket, region, aws.Prefix)
		return backend, nil
	case "gcp":
		gcp := cfg.Storage.GCP
		if gcp.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
		backend, err := storage.NewGCPGatewayBackend(context.Background(), gcp.Bucket, gcp.Project, gcp.Prefix)
		if err != nil {
			return nil, err
		}
		log.Printf("Storage backend: gcp (bucket=%s project=%s prefix=%q)", gcp.Bucket, gcp.Project, gcp.Prefix)
		return backend, nil
	case "azure":
		azure := cfg.Storage.Azure
		if azure.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		accountURL := azure.AccountURL
		if accountURL == "" {
			if azure.Account == "" {
				return nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", azure.Account)
		}
		backend, err := storage.NewAzureGatewayBackend(context.Background(), azure.Container, accountURL, azure.Prefix)
		if err != nil {
			return nil, err
		}
		log.Printf("Storage backend: azure (container=%s account=%s prefix=%q)", azure.Container, accountURL, azure.Prefix)
		return backend, nil
	default:
		storageRoot := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(storageRoot, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory: %w", err)
		}
		localBackend, err := storage.NewLocalBackend(storageRoot)
		if err != nil {
			return nil, err
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := localBackend.CleanTempFiles(); err != nil {
			log.Printf("Warning: failed to clean temp files: %v", err)
		}
		log.Printf("Storage backend: local (%s)", storageRoot)
		return localBackend, nil
	}
}

// seedDefaultCredentials creates the default credential record from the config
// if it does not already exist. This runs on every startup as part of
// crash-only recovery.
func seedDefaultCredentials(store metadata.MetadataStore, cfg *config.Config) error {
	ctx := context.Background()

	// Check if the default credential already exists.
	existing, err := store.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return fmt.Errorf("checking default credential: %w", err)
	}
	if existing != nil {
		// Already seeded. Nothing to do.
		return nil
	}

	cred := &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding default credential: %w", err)
	}
	log.Printf("Seeded default credentials for access key %q", cfg.Auth.AccessKey)
	return nil
}
