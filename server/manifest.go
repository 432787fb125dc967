package server

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// ManifestFileName is the sqlite database holding the durable entry table,
// relative to the cache root.
const ManifestFileName = "manifest.db"

type manifestRow struct {
	namespace string
	key       string
	status    entryStatus
}

// manifestStore persists entry statuses so Ready entries survive server
// restarts. One table, primary key (namespace, key), status as a small
// integer.
type manifestStore struct {
	db         *sql.DB
	putStmt    *sql.Stmt
	deleteStmt *sql.Stmt
}

func openManifest(path string) (*manifestStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	m := &manifestStore{db: db}
	if err := m.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := m.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *manifestStore) ensureSchema() error {
	_, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS manifest (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		status INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

func (m *manifestStore) prepareStatements() error {
	var err error
	if m.putStmt, err = m.db.Prepare(`INSERT INTO manifest (namespace, key, status) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET status = excluded.status`); err != nil {
		return err
	}
	if m.deleteStmt, err = m.db.Prepare(`DELETE FROM manifest WHERE namespace = ? AND key = ?`); err != nil {
		return err
	}
	return nil
}

// load purges Loading rows and returns the rest. Loading leases reference
// assignment ids from the previous server process and cannot be recovered,
// so those entries must be recomputed.
func (m *manifestStore) load() ([]manifestRow, error) {
	if _, err := m.db.Exec(`DELETE FROM manifest WHERE status = ?`, int(statusLoading)); err != nil {
		return nil, err
	}
	rows, err := m.db.Query(`SELECT namespace, key, status FROM manifest`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []manifestRow
	for rows.Next() {
		var r manifestRow
		var status int
		if err := rows.Scan(&r.namespace, &r.key, &status); err != nil {
			return nil, err
		}
		r.status = entryStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *manifestStore) put(namespace, key string, status entryStatus) error {
	_, err := m.putStmt.Exec(namespace, key, int(status))
	return err
}

func (m *manifestStore) delete(namespace, key string) error {
	_, err := m.deleteStmt.Exec(namespace, key)
	return err
}

func (m *manifestStore) Close() error {
	return m.db.Close()
}
