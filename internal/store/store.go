// Package store provides the durable backing for the delta log, periodic
// snapshots, and per-client acknowledgement cursors.
package store

import (
	"context"
	"errors"

	"github.com/pideck/pideck/pkg/protocol"
)

// ErrDuplicateVersion is returned by Append when the version is already
// present in the log. The commit worker treats this as a serialization
// bug upstream.
var ErrDuplicateVersion = errors.New("store: delta version already present")

// ErrCorrupt is returned by LoadLatest when the log cannot reconstruct a
// consistent state (missing delta between snapshot and head). The process
// must abort; the in-memory state cannot be rebuilt.
var ErrCorrupt = errors.New("store: delta log is corrupt")

// Store is the durable delta log plus snapshots and client ack cursors.
// Append is called strictly in version order by the single commit worker;
// reads may run concurrently with appends.
type Store interface {
	// Append durably writes one delta in a single transaction. Fails with
	// ErrDuplicateVersion if the version is already present.
	Append(ctx context.Context, version uint64, workspaceID string, mutation protocol.Mutation) error

	// WriteSnapshot durably writes a snapshot, then prunes deltas that are
	// no longer needed for any client's catch-up.
	WriteSnapshot(ctx context.Context, snap protocol.Snapshot) error

	// LoadLatest atomically returns the newest snapshot (nil if none) and
	// all deltas after it, in version order.
	LoadLatest(ctx context.Context) (*protocol.Snapshot, []protocol.Delta, error)

	// ClientAck records a client's contiguous-receipt cursor. Monotonic:
	// an older version than the stored one is a no-op.
	ClientAck(ctx context.Context, clientID string, version uint64) error

	// ClientCursor returns the stored ack cursor for a client (0 if the
	// client is unknown).
	ClientCursor(ctx context.Context, clientID string) (uint64, error)

	// DeltasSince returns up to limit deltas with version > version, in
	// version order.
	DeltasSince(ctx context.Context, version uint64, limit int) ([]protocol.Delta, error)

	// MinRetainedVersion returns the lowest delta version still in the
	// log, or 0 when the log is empty.
	MinRetainedVersion(ctx context.Context) (uint64, error)

	Close() error
}
