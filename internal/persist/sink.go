// Package persist periodically writes dirty sensor payloads to one or more
// sinks and clears the dirty flag once every sink has the payload.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/sensorlink/internal/sensors"
)

// ErrStorageWrite matches StorageWriteError.
var ErrStorageWrite = errors.New("storage write failed")

// Sink stores one sensor's payload. Store must replace whatever the sink
// previously held for that sensor, or append it to a history; it must not
// leave a partial record behind on error.
type Sink interface {
	Name() string
	Store(ctx context.Context, snap sensors.Snapshot) error
}

// StorageWriteError reports a sink that could not store a sensor's payload.
type StorageWriteError struct {
	Sensor string
	Sink   string
	Err    error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("store %s to %s: %v", e.Sensor, e.Sink, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

func (e *StorageWriteError) Is(target error) bool { return target == ErrStorageWrite }
