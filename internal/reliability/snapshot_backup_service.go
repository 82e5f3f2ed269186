package reliability

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/marketsim/internal/market"
	"github.com/aristath/marketsim/internal/timeseries"
	"github.com/aristath/marketsim/internal/utils"
)

const snapshotPrefix = "marketsim-snapshot-"

// EnvironmentSnapshot is the serialized state of one exchange environment:
// the clock position and every series' aggregates at every granularity.
type EnvironmentSnapshot struct {
	ExchangeID    string                           `msgpack:"exchangeId"`
	Name          string                           `msgpack:"name"`
	VirtualMillis int64                            `msgpack:"virtualMillis"`
	TakenAt       time.Time                        `msgpack:"takenAt"`
	Series        map[string]timeseries.SeriesDump `msgpack:"series"`
}

// SnapshotBackupService periodically serializes every live environment and
// ships the snapshots to the object store.
type SnapshotBackupService struct {
	store    *S3Client
	registry *market.Registry
	log      zerolog.Logger
}

func NewSnapshotBackupService(store *S3Client, registry *market.Registry, log zerolog.Logger) *SnapshotBackupService {
	return &SnapshotBackupService{
		store:    store,
		registry: registry,
		log:      log.With().Str("service", "snapshot_backup").Logger(),
	}
}

// CreateAndUploadSnapshots captures and uploads one snapshot per live
// environment. An environment that fails to upload is logged and skipped;
// the first error is returned after all environments were attempted.
func (s *SnapshotBackupService) CreateAndUploadSnapshots(ctx context.Context) error {
	start := time.Now()
	exchanges := s.registry.List()
	if len(exchanges) == 0 {
		s.log.Debug().Msg("No environments to snapshot")
		return nil
	}

	var firstErr error
	uploaded := 0
	for _, exchange := range exchanges {
		snapshot, err := CaptureSnapshot(exchange)
		if err != nil {
			s.log.Error().Err(err).Str("exchange", exchange.ID).Msg("Failed to capture snapshot")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		data, err := EncodeSnapshot(snapshot)
		if err != nil {
			s.log.Error().Err(err).Str("exchange", exchange.ID).Msg("Failed to encode snapshot")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		key := SnapshotKey(exchange.ID, snapshot.TakenAt)
		if err := s.store.Upload(ctx, key, bytes.NewReader(data)); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Failed to upload snapshot")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		uploaded++
	}

	s.log.Info().
		Int("uploaded", uploaded).
		Int("total", len(exchanges)).
		Dur("duration_ms", time.Since(start)).
		Msg("Snapshot backup completed")
	return firstErr
}

// RotateOldSnapshots deletes snapshots older than the retention period,
// always keeping the newest three per environment.
func (s *SnapshotBackupService) RotateOldSnapshots(ctx context.Context, retention time.Duration) error {
	defer utils.OperationTimer("snapshot_rotation", s.log)()

	objects, err := s.store.List(ctx, snapshotPrefix)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	byExchange := make(map[string][]string)
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		id, _, ok := parseSnapshotKey(*obj.Key)
		if !ok {
			continue
		}
		byExchange[id] = append(byExchange[id], *obj.Key)
	}

	const minKeep = 3
	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, keys := range byExchange {
		// Keys embed the timestamp, so lexical descending is newest first.
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
		for i, key := range keys {
			if i < minKeep {
				continue
			}
			_, ts, _ := parseSnapshotKey(key)
			if ts.Before(cutoff) {
				if err := s.store.Delete(ctx, key); err != nil {
					s.log.Warn().Err(err).Str("key", key).Msg("Failed to delete old snapshot")
					continue
				}
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Rotated old snapshots")
	}
	return nil
}

// CaptureSnapshot serializes one environment's clock and series state.
func CaptureSnapshot(exchange *market.Exchange) (*EnvironmentSnapshot, error) {
	snapshot := &EnvironmentSnapshot{
		ExchangeID:    exchange.ID,
		Name:          exchange.Name,
		VirtualMillis: exchange.Clock().Millis(),
		TakenAt:       time.Now().UTC(),
		Series:        make(map[string]timeseries.SeriesDump),
	}
	engine := exchange.Engine()
	for _, id := range engine.SeriesIDs() {
		dump, err := engine.Dump(id)
		if err != nil {
			return nil, fmt.Errorf("failed to dump series %s: %w", id, err)
		}
		snapshot.Series[id] = dump
	}
	return snapshot, nil
}

// EncodeSnapshot packs a snapshot for storage.
func EncodeSnapshot(snapshot *EnvironmentSnapshot) ([]byte, error) {
	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot unpacks a stored snapshot.
func DecodeSnapshot(data []byte) (*EnvironmentSnapshot, error) {
	var snapshot EnvironmentSnapshot
	if err := msgpack.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// SnapshotKey names one snapshot object.
func SnapshotKey(exchangeID string, ts time.Time) string {
	return fmt.Sprintf("%s%s-%s.msgpack", snapshotPrefix, exchangeID, ts.UTC().Format("2006-01-02-150405"))
}

// parseSnapshotKey splits a key back into exchange id and timestamp.
func parseSnapshotKey(key string) (string, time.Time, bool) {
	if !strings.HasPrefix(key, snapshotPrefix) || !strings.HasSuffix(key, ".msgpack") {
		return "", time.Time{}, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(key, snapshotPrefix), ".msgpack")
	i := strings.LastIndex(trimmed, "-")
	// The timestamp has a date part with dashes; find the boundary before
	// the date, which is the fourth dash from the end.
	for n := 0; n < 3 && i > 0; n++ {
		i = strings.LastIndex(trimmed[:i], "-")
	}
	if i <= 0 {
		return "", time.Time{}, false
	}
	id, tsStr := trimmed[:i], trimmed[i+1:]
	ts, err := time.Parse("2006-01-02-150405", tsStr)
	if err != nil {
		return "", time.Time{}, false
	}
	return id, ts, true
}
