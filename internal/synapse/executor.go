// Package synapse models the warehouse queries the engine issues over blob
// paths: distinct device counts, ordered distinct pages, and row counts.
package synapse

import (
	"context"
	"errors"
)

// ErrNoDeviceColumn is returned when a source file has no device ID column.
var ErrNoDeviceColumn = errors.New("no device id column in header")

// Executor runs read-only queries over device-ID files under a blob prefix.
type Executor interface {
	// CountDistinctDevices returns COUNT(DISTINCT LOWER(TRIM(deviceid)))
	// over all files under the prefix, restricted to 36-character values.
	CountDistinctDevices(ctx context.Context, prefix string) (int64, error)

	// DistinctDevicePage returns one page of the distinct device IDs under
	// the prefix, ordered ascending by the normalized value. The ordering is
	// total, so identical inputs always produce identical pages.
	DistinctDevicePage(ctx context.Context, prefix string, offset, limit int) ([]string, error)

	// CountRows returns the total data-row count (excluding headers) across
	// the given object keys.
	CountRows(ctx context.Context, keys []string) (int64, error)
}
