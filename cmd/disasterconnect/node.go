package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bit2swaz/disasterconnect/internal/config"
	"github.com/bit2swaz/disasterconnect/internal/core"
	"github.com/bit2swaz/disasterconnect/internal/engine"
	"github.com/bit2swaz/disasterconnect/internal/logger"
	"github.com/bit2swaz/disasterconnect/internal/store"
	"gorm.io/gorm"
)

// node is a bootstrapped engine plus the resources it owns.
type node struct {
	cfg     config.Config
	eng     *engine.Engine
	db      *gorm.DB
	archive *store.Archive
}

// bootstrap validates cfg, sets up logging, identity and the archive, then
// creates the host and starts discovery.
func bootstrap(ctx context.Context, cfg config.Config, logToFile bool) (*node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logPath := ""
	if logToFile {
		logPath = cfg.LogPath()
	}
	if err := logger.Init(logPath, cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	id, err := core.LoadOrGenerateIdentity(cfg.IdentityPath())
	if err != nil {
		return nil, err
	}
	db, err := store.Init(cfg.ArchivePath())
	if err != nil {
		return nil, fmt.Errorf("failed to init archive: %w", err)
	}
	archive := store.NewArchive(db)

	slog.Info("Starting DisasterConnect", "port", cfg.Port, "nick", cfg.Nick, "room", cfg.Room, "node", id.NodeID)
	eng, err := engine.New(engine.Config{
		PeerID:           id.NodeID,
		Nick:             cfg.Nick,
		Rendezvous:       cfg.Room,
		ListenAddr:       fmt.Sprintf(":%d", cfg.Port),
		DiscoveryPort:    cfg.DiscoveryPort,
		AnnounceInterval: cfg.AnnounceInterval,
		MDNS:             cfg.MDNS,
		AckTimeout:       cfg.AckTimeout,
		AckRetries:       cfg.AckRetries,
		FlushInterval:    cfg.FlushInterval,
		BufferPath:       cfg.BufferPath(),
		Archive:          archive,
	})
	if err != nil {
		store.Close(db)
		return nil, err
	}
	if err := eng.StartDiscovery(ctx); err != nil {
		eng.Stop()
		store.Close(db)
		return nil, err
	}
	return &node{cfg: cfg, eng: eng, db: db, archive: archive}, nil
}

func (n *node) close() {
	n.eng.Stop()
	if err := store.Close(n.db); err != nil {
		slog.Warn("Failed to close archive", "error", err)
	}
}
