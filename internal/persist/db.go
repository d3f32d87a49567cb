package persist

import (
	"context"
	"time"

	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/sensors"
	"github.com/banshee-data/sensorlink/internal/timeutil"
)

// HistoryStore is the part of *db.DB that DBSink writes to.
type HistoryStore interface {
	RecordSnapshot(ctx context.Context, snap sensors.Snapshot, savedAt time.Time) (string, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DBSink appends every saved payload to the SQLite history. When Retention
// is positive, batches older than it are pruned after each write.
type DBSink struct {
	History   HistoryStore
	Clock     timeutil.Clock
	Retention time.Duration
}

// NewDBSink records into history using the real clock.
func NewDBSink(history HistoryStore, retention time.Duration) *DBSink {
	return &DBSink{History: history, Clock: timeutil.RealClock{}, Retention: retention}
}

func (s *DBSink) Name() string { return "db" }

func (s *DBSink) Store(ctx context.Context, snap sensors.Snapshot) error {
	now := s.Clock.Now()
	batchID, err := s.History.RecordSnapshot(ctx, snap, now)
	if err != nil {
		return err
	}
	monitoring.Tracef("recorded %s version %d as batch %s", snap.Sensor.Name, snap.Version, batchID)

	if s.Retention > 0 {
		// pruning is housekeeping; the payload is already stored
		if n, err := s.History.PruneBefore(ctx, now.Add(-s.Retention)); err != nil {
			monitoring.Logf("prune history: %v", err)
		} else if n > 0 {
			monitoring.Tracef("pruned %d batches older than %v", n, s.Retention)
		}
	}
	return nil
}
