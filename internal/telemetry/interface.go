package telemetry

import (
	"context"

	"codeberg.org/mutker/picogov/internal/governor"
)

// Collector defines the recording surface the daemon drives
type Collector interface {
	Record(ctx context.Context, snapshot *governor.Snapshot) error
	Close() error
}

// Repository defines the interface for snapshot storage
type Repository interface {
	Record(snapshot *governor.Snapshot) error
	Close() error
}
