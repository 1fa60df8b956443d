package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/db"
	"github.com/pideck/pideck/pkg/protocol"
)

const (
	// pruneTimeMargin keeps recently written deltas regardless of ack
	// cursors, so a client reconnecting after a brief network blip can
	// always resume without a full snapshot.
	pruneTimeMargin = 60 * time.Second
)

// SQLiteStore is the single-file SQLite implementation of Store.
type SQLiteStore struct {
	pool        *db.Pool
	pruneMargin int
	logger      *logger.Logger
}

// NewSQLiteStore creates the store on an existing pool and initializes the
// schema.
func NewSQLiteStore(pool *db.Pool, pruneMargin int, log *logger.Logger) (*SQLiteStore, error) {
	s := &SQLiteStore{
		pool:        pool,
		pruneMargin: pruneMargin,
		logger:      log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS snapshots (
		version INTEGER PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deltas (
		version INTEGER PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		last_ack_version INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deltas_created_at ON deltas(created_at);
	`)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, version uint64, workspaceID string, mutation protocol.Mutation) error {
	payload, err := protocol.EncodeDelta(protocol.Delta{Version: version, Mutation: mutation})
	if err != nil {
		return err
	}

	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO deltas (version, workspace_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, int64(version), workspaceID, payload, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("append delta %d: %w", version, err)
	}
	return nil
}

// WriteSnapshot implements Store.
func (s *SQLiteStore) WriteSnapshot(ctx context.Context, snap protocol.Snapshot) error {
	payload, err := protocol.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (version, payload, created_at)
		VALUES (?, ?, ?)
	`, int64(snap.Version), payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write snapshot %d: %w", snap.Version, err)
	}

	// Older snapshots are superseded; keep only the newest.
	if _, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM snapshots WHERE version < ?`, int64(snap.Version)); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	return s.pruneDeltas(ctx, snap.Version)
}

// pruneDeltas drops deltas no client can still need: strictly older than
// min(snapshotVersion, minAck) minus the configured safety margin, and
// older than the time margin.
func (s *SQLiteStore) pruneDeltas(ctx context.Context, snapshotVersion uint64) error {
	minAck, err := s.MinAckVersion(ctx)
	if err != nil {
		return err
	}

	bound := snapshotVersion
	if minAck < bound {
		bound = minAck
	}
	if uint64(s.pruneMargin) >= bound {
		return nil
	}
	bound -= uint64(s.pruneMargin)

	cutoff := time.Now().Add(-pruneTimeMargin).UnixMilli()
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM deltas WHERE version < ? AND created_at < ?`, int64(bound), cutoff)
	if err != nil {
		return fmt.Errorf("prune deltas: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Pruned deltas",
			zap.Int64("count", n),
			zap.Uint64("below_version", bound))
	}
	return nil
}

// LoadLatest implements Store. The snapshot and trailing deltas are read
// in one transaction so the pair is consistent even while the writer is
// appending.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*protocol.Snapshot, []protocol.Delta, error) {
	tx, err := s.pool.Reader().BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var snap *protocol.Snapshot
	var snapVersion uint64

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM snapshots ORDER BY version DESC LIMIT 1`).Scan(&payload)
	switch {
	case err == sql.ErrNoRows:
		// No snapshot yet; replay from the beginning of the log.
	case err != nil:
		return nil, nil, err
	default:
		decoded, err := protocol.DecodeSnapshot(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		snap = &decoded
		snapVersion = decoded.Version
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT payload FROM deltas WHERE version > ? ORDER BY version ASC`, int64(snapVersion))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var deltas []protocol.Delta
	expected := snapVersion + 1
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, nil, err
		}
		d, err := protocol.DecodeDelta(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if d.Version != expected {
			return nil, nil, fmt.Errorf("%w: expected delta %d, found %d", ErrCorrupt, expected, d.Version)
		}
		expected++
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// A snapshot newer than the newest delta means deltas were pruned
	// correctly; a snapshot with no reachable base is unrecoverable.
	if snap == nil && len(deltas) > 0 && deltas[0].Version != 1 {
		return nil, nil, fmt.Errorf("%w: log starts at %d with no snapshot", ErrCorrupt, deltas[0].Version)
	}

	return snap, deltas, nil
}

// ClientAck implements Store.
func (s *SQLiteStore) ClientAck(ctx context.Context, clientID string, version uint64) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO clients (client_id, last_ack_version, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			last_ack_version = MAX(last_ack_version, excluded.last_ack_version),
			last_seen = excluded.last_seen
	`, clientID, int64(version), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("client ack %s@%d: %w", clientID, version, err)
	}
	return nil
}

// ClientCursor implements Store.
func (s *SQLiteStore) ClientCursor(ctx context.Context, clientID string) (uint64, error) {
	var v int64
	err := s.pool.Reader().QueryRowContext(ctx,
		`SELECT last_ack_version FROM clients WHERE client_id = ?`, clientID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// MinAckVersion returns the lowest ack cursor across all known clients,
// or the max uint64 when no clients have ever connected (nothing bounds
// pruning).
func (s *SQLiteStore) MinAckVersion(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	err := s.pool.Reader().QueryRowContext(ctx,
		`SELECT MIN(last_ack_version) FROM clients`).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return ^uint64(0), nil
	}
	return uint64(v.Int64), nil
}

// DeltasSince implements Store.
func (s *SQLiteStore) DeltasSince(ctx context.Context, version uint64, limit int) ([]protocol.Delta, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT payload FROM deltas WHERE version > ? ORDER BY version ASC LIMIT ?
	`, int64(version), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []protocol.Delta
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := protocol.DecodeDelta(raw)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// MinRetainedVersion implements Store.
func (s *SQLiteStore) MinRetainedVersion(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	err := s.pool.Reader().QueryRowContext(ctx,
		`SELECT MIN(version) FROM deltas`).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports PK conflicts as "UNIQUE constraint failed".
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
