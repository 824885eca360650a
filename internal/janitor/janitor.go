// Package janitor runs the background maintenance sweep: temporary
// sessions past their TTL are deleted (messages and branches cascade)
// and blobs no message references are garbage collected.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/sandbox"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// Config schedules the sweep. Schedule is a cron expression;
// TempSessionTTL is how long an untouched temporary session survives.
type Config struct {
	Schedule       string
	TempSessionTTL time.Duration
}

type Janitor struct {
	stores    *store.Stores
	blobs     *blob.Store
	sandboxes *sandbox.Manager
	logger    *slog.Logger
	schedule  string
	ttl       time.Duration
}

func New(cfg Config, stores *store.Stores, blobs *blob.Store, sandboxes *sandbox.Manager, logger *slog.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 * * * *"
	}
	if cfg.TempSessionTTL <= 0 {
		cfg.TempSessionTTL = 24 * time.Hour
	}
	return &Janitor{
		stores:    stores,
		blobs:     blobs,
		sandboxes: sandboxes,
		logger:    logger,
		schedule:  cfg.Schedule,
		ttl:       cfg.TempSessionTTL,
	}
}

// Run blocks until ctx is done, sweeping on every schedule tick.
func (j *Janitor) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTick(j.schedule, false)
		if err != nil {
			j.logger.Error("janitor schedule invalid, sweeps disabled", "schedule", j.schedule, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (j *Janitor) Sweep(ctx context.Context) {
	removed := j.sweepTempSessions(ctx)
	collected := j.sweepBlobs(ctx)
	j.logger.Info("janitor sweep done", "sessions_removed", removed, "blobs_collected", collected)
}

func (j *Janitor) sweepTempSessions(ctx context.Context) int {
	cutoff := time.Now().Add(-j.ttl)
	sessions, err := j.stores.Sessions.ListTemporary(ctx, cutoff)
	if err != nil {
		j.logger.Warn("temp session scan failed", "error", err)
		return 0
	}
	removed := 0
	for _, sess := range sessions {
		if err := j.stores.Sessions.Delete(ctx, sess.ID); err != nil {
			j.logger.Warn("temp session delete failed", "session", sess.ID, "error", err)
			continue
		}
		if j.sandboxes != nil {
			if err := j.sandboxes.Destroy(sess.ID); err != nil {
				j.logger.Warn("sandbox cleanup failed", "session", sess.ID, "error", err)
			}
		}
		removed++
	}
	return removed
}

// sweepBlobs deletes blobs no message references. The reference check
// runs per blob, after the session sweep, so a blob whose last
// referencing session was just purged is collected in the same pass.
func (j *Janitor) sweepBlobs(ctx context.Context) int {
	collected := 0
	err := j.blobs.Walk(func(hash string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		referenced, err := j.stores.Messages.ReferencesAttachment(ctx, hash)
		if err != nil {
			j.logger.Warn("blob reference check failed", "hash", hash, "error", err)
			return nil
		}
		if referenced {
			return nil
		}
		if err := j.blobs.Delete(hash); err != nil {
			j.logger.Warn("blob delete failed", "hash", hash, "error", err)
			return nil
		}
		collected++
		return nil
	})
	if err != nil && ctx.Err() == nil {
		j.logger.Warn("blob walk failed", "error", err)
	}
	return collected
}
