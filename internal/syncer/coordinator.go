package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/replica"
	"go.uber.org/zap"
)

const defaultHealthTimeout = 1500 * time.Millisecond

var (
	errMissingStore   = errors.New("syncer: replica store is required")
	errMissingGateway = errors.New("syncer: persistence gateway is required")
	errMissingRemote  = errors.New("syncer: remote is required")
)

// Remote exchanges one sync request with the authority.
type Remote interface {
	Sync(ctx context.Context, request notes.SyncRequest) (notes.SyncResponse, error)
}

// HealthChecker checks that the authority answers before a round touches anything.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CoordinatorConfig describes the dependencies of a sync coordinator.
type CoordinatorConfig struct {
	Store         *replica.Store
	Gateway       replica.Gateway
	Remote        Remote
	HealthChecker HealthChecker
	HealthTimeout time.Duration
	Logger        *zap.Logger
}

// RoundResult summarizes one completed sync round.
type RoundResult struct {
	ServerTime notes.Timestamp
	FullPush   bool
	Pushed     int
	Pulled     int
	Purged     int
}

// Coordinator runs push/pull rounds between one replica and the authority.
type Coordinator struct {
	store         *replica.Store
	gateway       replica.Gateway
	remote        Remote
	healthChecker HealthChecker
	healthTimeout time.Duration
	logger        *zap.Logger

	roundMu sync.Mutex
}

// NewCoordinator validates the configuration and builds a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		remote:        cfg.Remote,
		healthChecker: cfg.HealthChecker,
		healthTimeout: healthTimeout,
		logger:        logger,
	}, nil
}

// Run performs one round. A failed health check or exchange leaves the dirty set and the
// marker untouched, so the next round replays the same edits.
func (c *Coordinator) Run(ctx context.Context) (RoundResult, error) {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()

	if err := c.checkHealth(ctx); err != nil {
		c.logger.Debug("sync skipped, authority unreachable", zap.Error(err))
		return RoundResult{}, err
	}

	marker, err := c.gateway.LastSyncMarker(ctx)
	if err != nil {
		return RoundResult{}, fmt.Errorf("%w: read sync marker: %w", notes.ErrInternal, err)
	}

	result := RoundResult{FullPush: marker == nil}
	var pushed []notes.Note
	if result.FullPush {
		pushed = c.store.Snapshot().Notes()
	} else {
		pushed = c.store.GetDirty()
	}
	result.Pushed = len(pushed)

	response, err := c.remote.Sync(ctx, notes.SyncRequest{Since: marker, Changes: pushed})
	if err != nil {
		c.logger.Warn("sync exchange failed", zap.Int("pushed", len(pushed)), zap.Error(err))
		return RoundResult{}, err
	}

	pulled, err := c.store.ApplyFromServer(ctx, response.Notes)
	if err != nil {
		return RoundResult{}, err
	}
	result.Pulled = pulled

	if _, err := c.store.ConfirmPushed(ctx, pushed); err != nil {
		return RoundResult{}, err
	}

	purge := c.confirmedTombstones(pushed)
	if err := c.store.Purge(ctx, purge); err != nil {
		return RoundResult{}, err
	}
	result.Purged = len(purge)

	if err := c.store.Flush(ctx); err != nil {
		return RoundResult{}, err
	}
	serverTime := response.ServerTime
	if err := c.gateway.SetLastSyncMarker(ctx, &serverTime); err != nil {
		return RoundResult{}, fmt.Errorf("%w: write sync marker: %w", notes.ErrInternal, err)
	}
	result.ServerTime = serverTime

	c.logger.Info("sync round completed",
		zap.Bool("full_push", result.FullPush),
		zap.Int("pushed", result.Pushed),
		zap.Int("pulled", result.Pulled),
		zap.Int("purged", result.Purged),
		zap.String("server_time", serverTime.String()))
	return result, nil
}

// LastSynced reports the marker of the last completed round, nil if none.
func (c *Coordinator) LastSynced(ctx context.Context) (*notes.Timestamp, error) {
	marker, err := c.gateway.LastSyncMarker(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read sync marker: %w", notes.ErrInternal, err)
	}
	return marker, nil
}

func (c *Coordinator) checkHealth(ctx context.Context) error {
	if c.healthChecker == nil {
		return nil
	}
	healthCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	if err := c.healthChecker.Health(healthCtx); err != nil {
		if errors.Is(err, notes.ErrUnreachable) {
			return err
		}
		return fmt.Errorf("%w: %w", notes.ErrUnreachable, err)
	}
	return nil
}

// confirmedTombstones lists pushed tombstones whose local value is still the pushed one.
// The authority has already hard-deleted them.
func (c *Coordinator) confirmedTombstones(pushed []notes.Note) []notes.NoteID {
	var ids []notes.NoteID
	for _, sent := range pushed {
		if !sent.Deleted {
			continue
		}
		current, ok := c.store.Get(sent.ID)
		if !ok || !current.Deleted || !current.UpdatedAt.Equal(sent.UpdatedAt) {
			continue
		}
		ids = append(ids, sent.ID)
	}
	return ids
}
