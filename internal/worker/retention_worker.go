package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/storage"
)

// RetentionWorker deletes violation snapshots and audio clips past the
// retention window.
type RetentionWorker struct {
	store     *storage.ObjectStore
	retention time.Duration
	log       zerolog.Logger
}

// NewRetentionWorker creates a new RetentionWorker.
func NewRetentionWorker(cfg *config.Config, store *storage.ObjectStore, log zerolog.Logger) *RetentionWorker {
	return &RetentionWorker{
		store:     store,
		retention: time.Duration(cfg.SnapshotRetentionDays) * 24 * time.Hour,
		log:       log.With().Str("component", "retention_worker").Logger(),
	}
}

// Tick runs one sweep across both media buckets.
func (w *RetentionWorker) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.retention)

	for _, bucket := range []string{storage.BucketViolationSnapshots, storage.BucketAudioClips} {
		keys, err := w.store.ListOlderThan(ctx, bucket, cutoff)
		if err != nil {
			w.log.Error().Err(err).Str("bucket", bucket).Msg("Retention listing failed")
			continue
		}
		deleted := 0
		for _, key := range keys {
			if err := w.store.Delete(ctx, bucket, key); err != nil {
				w.log.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("Retention delete failed")
				continue
			}
			deleted++
		}
		if deleted > 0 {
			w.log.Info().Str("bucket", bucket).Int("deleted", deleted).Msg("Expired media removed")
		}
	}
}
