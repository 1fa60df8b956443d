package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// With SQLite in WAL mode this enables concurrent catch-up reads while
// serializing commits through a single writer connection. The writer pool
// uses MaxOpenConns(1) to avoid SQLITE_BUSY on write contention; the
// reader pool allows multiple concurrent connections for SELECT queries.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the sync database at dbPath and returns a writer/reader pool.
func Open(dbPath string) (*Pool, error) {
	writer, err := OpenWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, "sqlite3"),
		reader: sqlx.NewDb(reader, "sqlite3"),
	}, nil
}

// NewPool creates a Pool from existing writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. Limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries; reads
// operate concurrently with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (tests).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
