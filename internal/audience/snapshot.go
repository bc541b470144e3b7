package audience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esquire-media/audience-engine/internal/blobstore"
)

// SnapshotRoot is the canonical root for finalized audience snapshots.
const SnapshotRoot = "audiences"

// SnapshotPrefix returns the root prefix for one audience's snapshots.
func SnapshotPrefix(audienceID string) string {
	return fmt.Sprintf("%s/%s/", SnapshotRoot, audienceID)
}

// SourcePrefix returns the prefix holding an audience's raw input files: the
// seed data the first pipeline step consumes.
func SourcePrefix(audienceID string) string {
	return fmt.Sprintf("sources/%s/", audienceID)
}

// WorkingPrefix returns the ephemeral working prefix for one pipeline step.
func WorkingPrefix(instanceID, audienceID string, step int) string {
	return fmt.Sprintf("working/%s/%s/%d/working/", instanceID, audienceID, step)
}

// Snapshot identifies one finalized snapshot directory.
type Snapshot struct {
	Prefix string    // audiences/<id>/<ISO>/
	RanAt  time.Time // parsed from the ISO segment
}

// snapshotLayouts are the accepted directory-name formats, tried in order.
var snapshotLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseSnapshotTime parses an ISO-8601 snapshot directory name. Times without
// an explicit zone are UTC.
func ParseSnapshotTime(name string) (time.Time, error) {
	for _, layout := range snapshotLayouts {
		if t, err := time.Parse(layout, name); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO snapshot name: %q", name)
}

// NewestSnapshot returns the newest ISO-parseable snapshot under the
// audience's canonical root. Non-parseable directories are ignored. Returns
// (nil, nil) when no snapshot exists.
func NewestSnapshot(ctx context.Context, store blobstore.Store, audienceID string) (*Snapshot, error) {
	root := SnapshotPrefix(audienceID)

	prefixes, err := store.ListPrefixes(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", audienceID, err)
	}

	var newest *Snapshot
	for _, p := range prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, root), "/")
		ranAt, err := ParseSnapshotTime(name)
		if err != nil {
			continue
		}
		if newest == nil || ranAt.After(newest.RanAt) {
			newest = &Snapshot{Prefix: p, RanAt: ranAt}
		}
	}

	return newest, nil
}

// SnapshotDirName formats a snapshot directory name for the given time. The
// offset form (+00:00 rather than Z) matches the historical snapshot layout.
func SnapshotDirName(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05-07:00")
}
