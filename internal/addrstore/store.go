package addrstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// NodeInfo is one row of the nodes table: everything knotproof knows about
// a single peer address.
type NodeInfo struct {
	Addr               string
	NodeType           NodeType
	UserAgent          string
	HasUserAgent       bool
	Version            int32
	HasVersion         bool
	Services           uint64
	HasServices        bool
	LastSeen           time.Time
	LastConnected      time.Time
	HasLastConnected   bool
	ConnectionFailures uint32
	IsReachable        bool
}

// maxConsecutiveFailures is the threshold at which a node is marked
// unreachable and excluded from dial candidates.
const maxConsecutiveFailures = 5

// Store is the durable, process-safe address table described in spec §4.2.
// All operations serialize under a single writer lock: readers and writers
// share the same critical section, matching the Rust original's single
// Mutex<Connection>.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
}

// Open creates (if needed) the nodes table at path and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("addrstore: open %s: %w", path, err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			addr TEXT PRIMARY KEY,
			node_type TEXT NOT NULL,
			user_agent TEXT,
			version INTEGER,
			services INTEGER,
			last_seen TEXT NOT NULL,
			last_connected TEXT,
			connection_failures INTEGER NOT NULL DEFAULT 0,
			is_reachable INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_node_type ON nodes(node_type)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_is_reachable ON nodes(is_reachable)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("addrstore: schema init: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertOrUpdate upserts info by address and reports whether the row was
// newly created.
func (s *Store) InsertOrUpdate(info NodeInfo) (wasNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err = s.db.QueryRow(`SELECT 1 FROM nodes WHERE addr = ?`, info.Addr).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		wasNew = true
	case err != nil:
		return false, fmt.Errorf("addrstore: insert_or_update lookup: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes (addr, node_type, user_agent, version, services, last_seen, last_connected, connection_failures, is_reachable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			node_type = excluded.node_type,
			user_agent = excluded.user_agent,
			version = excluded.version,
			services = excluded.services,
			last_seen = excluded.last_seen,
			last_connected = excluded.last_connected,
			connection_failures = excluded.connection_failures,
			is_reachable = excluded.is_reachable`,
		info.Addr,
		info.NodeType.String(),
		nullableString(info.UserAgent, info.HasUserAgent),
		nullableInt32(info.Version, info.HasVersion),
		nullableUint64(info.Services, info.HasServices),
		info.LastSeen.UTC().Format(time.RFC3339),
		nullableTime(info.LastConnected, info.HasLastConnected),
		info.ConnectionFailures,
		boolToInt(info.IsReachable),
	)
	if err != nil {
		return false, fmt.Errorf("addrstore: insert_or_update: %w", err)
	}

	return wasNew, nil
}

// GetByType returns up to limit reachable addresses of the given type,
// newest last_seen first.
func (s *Store) GetByType(nodeType NodeType, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT addr FROM nodes WHERE node_type = ? AND is_reachable = 1 ORDER BY last_seen DESC LIMIT ?`,
		nodeType.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("addrstore: get_by_type: %w", err)
	}
	return scanAddrs(rows)
}

// GetRandom returns up to limit reachable addresses in random order.
func (s *Store) GetRandom(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT addr FROM nodes WHERE is_reachable = 1 ORDER BY RANDOM() LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("addrstore: get_random: %w", err)
	}
	return scanAddrs(rows)
}

// GetKnotsExcluding returns up to limit reachable addresses whose
// node_type != Knots: the dial pool for the outbound filler. Priority
// order is LibreRelay < Core < Other < Unknown, then last_seen descending.
func (s *Store) GetKnotsExcluding(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT addr
		FROM nodes
		WHERE node_type != 'knots' AND is_reachable = 1
		ORDER BY
			CASE node_type
				WHEN 'libre' THEN 0
				WHEN 'core' THEN 1
				WHEN 'other' THEN 2
				WHEN 'unknown' THEN 3
				ELSE 4
			END,
			last_seen DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("addrstore: get_knots_excluding: %w", err)
	}
	return scanAddrs(rows)
}

// MarkFailed increments connection_failures for addr, flipping is_reachable
// to false once the threshold of maxConsecutiveFailures is reached.
func (s *Store) MarkFailed(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE nodes SET
			connection_failures = connection_failures + 1,
			is_reachable = CASE WHEN connection_failures + 1 >= ? THEN 0 ELSE is_reachable END
		WHERE addr = ?`, maxConsecutiveFailures, addr)
	if err != nil {
		return fmt.Errorf("addrstore: mark_failed: %w", err)
	}
	return nil
}

// MarkConnected resets connection_failures and is_reachable after a
// successful connection.
func (s *Store) MarkConnected(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE nodes SET last_connected = ?, connection_failures = 0, is_reachable = 1 WHERE addr = ?`,
		time.Now().UTC().Format(time.RFC3339), addr,
	)
	if err != nil {
		return fmt.Errorf("addrstore: mark_connected: %w", err)
	}
	return nil
}

// CountByType returns the reachable-peer histogram across known types.
func (s *Store) CountByType() (map[NodeType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT node_type, COUNT(*) FROM nodes WHERE is_reachable = 1 GROUP BY node_type`)
	if err != nil {
		return nil, fmt.Errorf("addrstore: count_by_type: %w", err)
	}
	defer rows.Close()

	counts := make(map[NodeType]int64)
	for rows.Next() {
		var typeStr string
		var count int64
		if err := rows.Scan(&typeStr, &count); err != nil {
			return nil, fmt.Errorf("addrstore: count_by_type scan: %w", err)
		}
		counts[ParseNodeType(typeStr)] = count
	}
	return counts, rows.Err()
}

// PruneOld deletes unreachable rows whose last_seen predates before,
// returning the number removed.
func (s *Store) PruneOld(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM nodes WHERE last_seen < ? AND is_reachable = 0`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("addrstore: prune_old: %w", err)
	}
	return res.RowsAffected()
}

func scanAddrs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("addrstore: scan addr: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

func nullableString(v string, has bool) interface{} {
	if !has {
		return nil
	}
	return v
}

func nullableInt32(v int32, has bool) interface{} {
	if !has {
		return nil
	}
	return v
}

func nullableUint64(v uint64, has bool) interface{} {
	if !has {
		return nil
	}
	return int64(v)
}

func nullableTime(v time.Time, has bool) interface{} {
	if !has {
		return nil
	}
	return v.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
