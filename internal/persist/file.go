package persist

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/sensorlink/internal/frame"
	"github.com/banshee-data/sensorlink/internal/fsutil"
	"github.com/banshee-data/sensorlink/internal/security"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

// DefaultDataDir is where sensor files are written when nothing else is
// configured.
const DefaultDataDir = "./SensorData"

// FileSink keeps one text file per sensor, <Dir>/<Name>.txt, holding the
// latest payload as one fixed-point value per line.
type FileSink struct {
	FS  fsutil.FileSystem
	Dir string

	mu    sync.Mutex
	ready bool
}

// NewFileSink writes under dir on the OS filesystem.
func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = DefaultDataDir
	}
	return &FileSink{FS: fsutil.OSFileSystem{}, Dir: dir}
}

func (s *FileSink) Name() string { return "file" }

// Path returns the file a sensor's payload is written to.
func (s *FileSink) Path(sensor string) string {
	return filepath.Join(s.Dir, sensor+".txt")
}

func (s *FileSink) Store(ctx context.Context, snap sensors.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDir(); err != nil {
		return err
	}

	path := s.Path(snap.Sensor.Name)
	if _, ok := s.FS.(fsutil.OSFileSystem); ok {
		if err := security.ValidatePathWithinDirectory(path, s.Dir); err != nil {
			return err
		}
	}
	return fsutil.WriteFileAtomic(s.FS, path, []byte(FormatPayload(snap.Samples)), 0o644)
}

// ensureDir creates Dir on first use. A failure is retried on the next Store.
func (s *FileSink) ensureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if err := s.FS.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", s.Dir, err)
	}
	s.ready = true
	return nil
}

// FormatPayload renders samples the way FileSink stores them.
func FormatPayload(samples []float64) string {
	var b strings.Builder
	for _, v := range samples {
		b.WriteString(frame.EncodeSample(v))
		b.WriteByte('\n')
	}
	return b.String()
}
