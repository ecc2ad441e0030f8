package main

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/config"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/localstore"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/logging"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/remote"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/replica"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/syncer"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// session is one command's view of the replica: its store, database and authority client.
type session struct {
	cfg     config.ClientConfig
	logger  *zap.Logger
	gateway *localstore.SQLiteGateway
	store   *replica.Store
	client  *remote.Client
	coord   *syncer.Coordinator
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	gateway, err := localstore.OpenSQLiteGateway(cfg.ReplicaDatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	current := &session{cfg: cfg, logger: logger, gateway: gateway}

	current.store, err = replica.NewStore(replica.StoreConfig{
		Gateway:    gateway,
		IDProvider: notes.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		current.close()
		return nil, err
	}
	if err := current.store.Load(ctx); err != nil {
		current.close()
		return nil, err
	}

	current.client, err = remote.NewClient(remote.ClientConfig{
		BaseURL:        cfg.ServerURL,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		current.close()
		return nil, err
	}

	current.coord, err = syncer.NewCoordinator(syncer.CoordinatorConfig{
		Store:         current.store,
		Gateway:       gateway,
		Remote:        current.client,
		HealthChecker: current.client,
		HealthTimeout: cfg.HealthTimeout,
		Logger:        logger,
	})
	if err != nil {
		current.close()
		return nil, err
	}
	return current, nil
}

func (s *session) close() {
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			s.logger.Warn("failed to close replica database", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// reloadingRunner reads the replica database before each round so edits made by other
// notes-client invocations are pushed instead of overwritten by the flush.
type reloadingRunner struct {
	store *replica.Store
	coord *syncer.Coordinator
}

func (runner reloadingRunner) Run(ctx context.Context) (syncer.RoundResult, error) {
	if err := runner.store.Load(ctx); err != nil {
		return syncer.RoundResult{}, err
	}
	return runner.coord.Run(ctx)
}
