package server

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kwontaeheon/snapdock/pkg"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema embed.FS

const Version = "0.2.1"

var DefaultConfig = SnapServerConfig{
	Compression: pkg.Compression{
		Enabled: true,
		Level:   6,
	},
	// prune keeps this many snapshots per container unless told otherwise
	RetainPerContainer: 5,
}

type SnapServerConfig struct {
	Compression        pkg.Compression `json:"compression"`
	RetainPerContainer int             `json:"retain_per_container"`
}

type SnapServer struct {
	containerManager *ContainerManager
	catalog          *Catalog
	store            *ArchiveStore
	config           SnapServerConfig
	db               *sql.DB
	rootDir          string
	Logger           *zap.Logger
}

func NewServer(logger *zap.Logger) (*SnapServer, error) {
	containerManager, err := NewContainerManager(logger)
	if err != nil {
		return nil, err
	}

	rootDir := os.Getenv("SNAPDOCKD_ROOT_DIR")
	if rootDir == "" {
		rootDir = "/var/snapdockd"
	}

	// parse config, if it doesnt exist, create it and use the default config
	var serverConfig SnapServerConfig
	configPath := filepath.Join(rootDir, "config.json")
	if _, err := os.Stat(configPath); err != nil {
		if err := os.MkdirAll(rootDir, 0755); err != nil {
			return nil, fmt.Errorf("Failed to create snapdockd directory: %v", err)
		}

		configBytes, err := json.Marshal(DefaultConfig)
		if err != nil {
			return nil, fmt.Errorf("Failed to marshal default config: %v", err)
		}

		logger.Info("Config file not found, creating default config file", zap.String("path", configPath))
		if err := os.WriteFile(configPath, configBytes, 0644); err != nil {
			return nil, fmt.Errorf("Failed to write config file: %v", err)
		}
	}

	configFile, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to read config file: %v", err)
	}

	if err := json.Unmarshal(configFile, &serverConfig); err != nil {
		return nil, fmt.Errorf("Failed to parse config file: %v", err)
	}

	store, err := NewArchiveStore(rootDir, serverConfig.Compression)
	if err != nil {
		return nil, fmt.Errorf("Failed to create archive store: %v", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(rootDir, "snapdockd.db"))
	if err != nil {
		return nil, fmt.Errorf("Failed to open database: %v", err)
	}

	schemaBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("Failed to read schema file: %v", err)
	}

	if _, err := db.Exec(string(schemaBytes)); err != nil {
		return nil, fmt.Errorf("Failed to create database schema: %v", err)
	}

	catalog := NewCatalog(db, logger)
	if err := catalog.Init(store); err != nil {
		return nil, fmt.Errorf("Failed to initialize catalog: %v", err)
	}

	return &SnapServer{
		containerManager: containerManager,
		catalog:          catalog,
		store:            store,
		config:           serverConfig,
		db:               db,
		rootDir:          rootDir,
		Logger:           logger,
	}, nil
}

func (s *SnapServer) Stop() {
	if err := s.db.Close(); err != nil {
		s.Logger.Warn("Failed to close database", zap.Error(err))
	}
}
