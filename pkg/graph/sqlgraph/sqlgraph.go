// Package sqlgraph stores the property graph in an embedded SQL database.
// Nodes, their properties and edges live in three tables; every property
// row keeps the typed encoding of the value plus its stringified form,
// which backs key lookups. The same schema runs on DuckDB and SQLite.
package sqlgraph

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"github.com/logflow/ekg/pkg/graph"
)

// Dialect names a supported database engine.
type Dialect struct {
	Name   string
	Driver string
	Setup  []string
}

// Supported dialects.
var (
	DuckDB = Dialect{Name: "duckdb", Driver: "duckdb"}
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite", Setup: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}}
)

// DialectByName returns the dialect called name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case DuckDB.Name:
		return DuckDB, nil
	case SQLite.Name:
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (id BIGINT PRIMARY KEY, label VARCHAR NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS node_props (node_id BIGINT NOT NULL, name VARCHAR NOT NULL, kind VARCHAR NOT NULL, val VARCHAR, skey VARCHAR)`,
	`CREATE TABLE IF NOT EXISTS edges (id BIGINT PRIMARY KEY, rel_type VARCHAR NOT NULL, src BIGINT NOT NULL, dst BIGINT NOT NULL, ident VARCHAR NOT NULL, props VARCHAR)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_label ON nodes(label)`,
	`CREATE INDEX IF NOT EXISTS idx_node_props_node ON node_props(node_id)`,
	`CREATE INDEX IF NOT EXISTS idx_node_props_lookup ON node_props(name, skey)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(rel_type, src, dst)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst)`,
}

const (
	pageSize  = 1000
	inListMax = 500
)

// Store is a graph.Store over database/sql. Writes are serialized.
type Store struct {
	db      *sql.DB
	dialect Dialect

	mu       sync.Mutex
	lastNode int64
	lastEdge int64
}

var _ graph.Store = (*Store)(nil)

// Open opens (and if needed creates) the graph database at dsn. An empty
// dsn opens an in-memory database.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	if dsn == "" && dialect.Name == SQLite.Name {
		dsn = ":memory:"
	}
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect.Name, err)
	}
	// One connection keeps in-memory databases alive and writes ordered.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dialect: dialect}
	for _, stmt := range append(append([]string{}, dialect.Setup...), schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize %s schema: %w", dialect.Name, err)
		}
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM nodes`).Scan(&s.lastNode); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM edges`).Scan(&s.lastEdge); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for ad hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error { return s.db.Close() }

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nodeID(id int64) string { return strconv.FormatInt(id, 10) }

func inChunks[T any](items []T, fn func([]T) error) error {
	for start := 0; start < len(items); start += inListMax {
		end := min(start+inListMax, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// EnsureIndex implements graph.Store. Property lookups are served by the
// shared (name, skey) index, so only the identifiers are checked.
func (s *Store) EnsureIndex(ctx context.Context, label, property string) error {
	return graph.CheckIdentifiers(label, property)
}

func (s *Store) insertProp(ctx context.Context, q queryer, id int64, name string, v any) error {
	t, err := graph.EncodeValue(v)
	if err != nil {
		return fmt.Errorf("property %s: %w", name, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO node_props (node_id, name, kind, val, skey) VALUES (?, ?, ?, ?, ?)`,
		id, name, t.K, t.V, graph.Stringify(graph.NormalizeValue(v)))
	return err
}

func (s *Store) insertNode(ctx context.Context, q queryer, label string, props graph.Properties) error {
	s.lastNode++
	id := s.lastNode
	if _, err := q.ExecContext(ctx, `INSERT INTO nodes (id, label) VALUES (?, ?)`, id, label); err != nil {
		return err
	}
	for k, v := range props {
		if v == nil {
			continue
		}
		if err := s.insertProp(ctx, q, id, k, v); err != nil {
			return err
		}
	}
	return nil
}

// CreateNodes implements graph.Store.
func (s *Store) CreateNodes(ctx context.Context, label string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := s.insertNode(ctx, tx, label, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create %s nodes: %w", label, err)
	}
	return len(rows), nil
}

func firstNode(ctx context.Context, q queryer, label, key, skey string) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT n.id FROM nodes n JOIN node_props p ON p.node_id = n.id
		 WHERE n.label = ? AND p.name = ? AND p.skey = ? ORDER BY n.id LIMIT 1`,
		label, key, skey).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

// UpsertNodes implements graph.Store.
func (s *Store) UpsertNodes(ctx context.Context, label, key string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			_, exists, err := firstNode(ctx, tx, label, key, graph.Stringify(graph.NormalizeValue(r[key])))
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := s.insertNode(ctx, tx, label, r); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s nodes: %w", label, err)
	}
	return created, nil
}

func loadProps(ctx context.Context, q queryer, ids []int64) (map[int64]graph.Properties, error) {
	out := make(map[int64]graph.Properties, len(ids))
	for _, id := range ids {
		out[id] = graph.Properties{}
	}
	err := inChunks(ids, func(chunk []int64) error {
		rows, err := q.QueryContext(ctx,
			`SELECT node_id, name, kind, val FROM node_props WHERE node_id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id        int64
				name, val string
				t         graph.TypedValue
			)
			if err := rows.Scan(&id, &name, &t.K, &val); err != nil {
				return err
			}
			t.V = val
			v, err := graph.DecodeValue(t)
			if err != nil {
				return fmt.Errorf("node %d property %s: %w", id, name, err)
			}
			out[id][name] = v
		}
		return rows.Err()
	})
	return out, err
}

// FindNodes implements graph.Store.
func (s *Store) FindNodes(ctx context.Context, label, key string, values []string) (map[string]graph.Node, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return nil, err
	}
	byKey := make(map[string]int64)
	var ids []int64
	err := inChunks(values, func(chunk []string) error {
		args := []any{label, key}
		for _, v := range chunk {
			args = append(args, v)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT n.id, p.skey FROM nodes n JOIN node_props p ON p.node_id = n.id
			 WHERE n.label = ? AND p.name = ? AND p.skey IN (`+placeholders(len(chunk))+`) ORDER BY n.id`,
			args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id   int64
				skey string
			)
			if err := rows.Scan(&id, &skey); err != nil {
				return err
			}
			if _, ok := byKey[skey]; !ok {
				byKey[skey] = id
				ids = append(ids, id)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find %s nodes: %w", label, err)
	}
	props, err := loadProps(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]graph.Node, len(byKey))
	for k, id := range byKey {
		out[k] = graph.Node{ID: nodeID(id), Label: label, Props: props[id]}
	}
	return out, nil
}

func resolve(ctx context.Context, q queryer, label, key string, v any) (int64, bool, error) {
	if key == "" {
		ref, ok := v.(string)
		if !ok {
			return 0, false, nil
		}
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return 0, false, nil
		}
		var one int
		err = q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return id, err == nil, err
	}
	return firstNode(ctx, q, label, key, graph.Stringify(v))
}

func identity(props graph.Properties, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = graph.Stringify(props[k])
	}
	return strings.Join(parts, "\x1f")
}

func (s *Store) mergeEdge(ctx context.Context, q queryer, relType string, src, dst int64, ident string, props graph.Properties) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edges WHERE rel_type = ? AND src = ? AND dst = ? AND ident = ?`,
		relType, src, dst, ident).Scan(&n)
	if err != nil || n > 0 {
		return false, err
	}
	encoded, err := graph.EncodeProps(props)
	if err != nil {
		return false, err
	}
	s.lastEdge++
	_, err = q.ExecContext(ctx,
		`INSERT INTO edges (id, rel_type, src, dst, ident, props) VALUES (?, ?, ?, ?, ?, ?)`,
		s.lastEdge, relType, src, dst, ident, encoded)
	return err == nil, err
}

// MergeEdges implements graph.Store.
func (s *Store) MergeEdges(ctx context.Context, batch graph.EdgeBatch) (int, error) {
	if err := graph.CheckIdentifiers(batch.Type); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range batch.Rows {
			src, ok, err := resolve(ctx, tx, batch.FromLabel, batch.FromKey, r.From)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			dst, ok, err := resolve(ctx, tx, batch.ToLabel, batch.ToKey, r.To)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			made, err := s.mergeEdge(ctx, tx, batch.Type, src, dst, identity(r.Props, batch.IdentityProps), r.Props)
			if err != nil {
				return err
			}
			if made {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge %s edges: %w", batch.Type, err)
	}
	return created, nil
}

// Link implements graph.Store.
func (s *Store) Link(ctx context.Context, spec graph.LinkSpec) (int, error) {
	if err := graph.CheckIdentifiers(spec.Type, spec.FromLabel, spec.FromProp, spec.ToLabel, spec.ToProp); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT a.id, b.id FROM nodes a
			 JOIN node_props pa ON pa.node_id = a.id
			 JOIN node_props pb ON pb.name = ? AND pb.skey = pa.skey
			 JOIN nodes b ON b.id = pb.node_id
			 WHERE a.label = ? AND pa.name = ? AND b.label = ?
			 ORDER BY a.id, b.id`,
			spec.ToProp, spec.FromLabel, spec.FromProp, spec.ToLabel)
		if err != nil {
			return err
		}
		var pairs [][2]int64
		for rows.Next() {
			var p [2]int64
			if err := rows.Scan(&p[0], &p[1]); err != nil {
				rows.Close()
				return err
			}
			pairs = append(pairs, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, p := range pairs {
			made, err := s.mergeEdge(ctx, tx, spec.Type, p[0], p[1], "", nil)
			if err != nil {
				return err
			}
			if made {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("link %s: %w", spec.Type, err)
	}
	return created, nil
}

// SetProperties implements graph.Store.
func (s *Store) SetProperties(ctx context.Context, updates []graph.PropertyUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			id, ok, err := resolve(ctx, tx, "", "", u.NodeID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			for k, v := range u.Props {
				t, err := graph.EncodeValue(v)
				if err != nil {
					return fmt.Errorf("property %s: %w", k, err)
				}
				res, err := tx.ExecContext(ctx,
					`UPDATE node_props SET kind = ?, val = ?, skey = ? WHERE node_id = ? AND name = ?`,
					t.K, t.V, graph.Stringify(graph.NormalizeValue(v)), id, k)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					continue
				}
				if err := s.insertProp(ctx, tx, id, k, v); err != nil {
					return err
				}
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("set properties: %w", err)
	}
	return updated, nil
}

// ScanNodes implements graph.Store. Nodes are read a page at a time and
// fn runs with no open cursor, so it may call back into the store.
func (s *Store) ScanNodes(ctx context.Context, label string, fn func(graph.Node) error) error {
	var after int64
	for {
		query := `SELECT id, label FROM nodes WHERE id > ?`
		args := []any{after}
		if label != "" {
			query += ` AND label = ?`
			args = append(args, label)
		}
		query += fmt.Sprintf(` ORDER BY id LIMIT %d`, pageSize)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("scan nodes: %w", err)
		}
		var (
			ids    []int64
			labels []string
		)
		for rows.Next() {
			var (
				id int64
				l  string
			)
			if err := rows.Scan(&id, &l); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			labels = append(labels, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		props, err := loadProps(ctx, s.db, ids)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if err := fn(graph.Node{ID: nodeID(id), Label: labels[i], Props: props[id]}); err != nil {
				return err
			}
		}
		after = ids[len(ids)-1]
	}
}

// ScanEdges implements graph.Store.
func (s *Store) ScanEdges(ctx context.Context, relType string, fn func(graph.Edge) error) error {
	var after int64
	for {
		query := `SELECT id, rel_type, src, dst, props FROM edges WHERE id > ?`
		args := []any{after}
		if relType != "" {
			query += ` AND rel_type = ?`
			args = append(args, relType)
		}
		query += fmt.Sprintf(` ORDER BY id LIMIT %d`, pageSize)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("scan edges: %w", err)
		}
		var page []graph.Edge
		for rows.Next() {
			var (
				id, src, dst int64
				typ          string
				props        sql.NullString
			)
			if err := rows.Scan(&id, &typ, &src, &dst, &props); err != nil {
				rows.Close()
				return err
			}
			p := graph.Properties{}
			if props.Valid && props.String != "" {
				if p, err = graph.DecodeProps(props.String); err != nil {
					rows.Close()
					return fmt.Errorf("edge %d: %w", id, err)
				}
			}
			page = append(page, graph.Edge{ID: nodeID(id), Type: typ, From: nodeID(src), To: nodeID(dst), Props: p})
			after = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// CountNodes implements graph.Store.
func (s *Store) CountNodes(ctx context.Context, label string) (int64, error) {
	if label == "" {
		return s.count(ctx, `SELECT COUNT(*) FROM nodes`)
	}
	return s.count(ctx, `SELECT COUNT(*) FROM nodes WHERE label = ?`, label)
}

// CountEdges implements graph.Store.
func (s *Store) CountEdges(ctx context.Context, relType string) (int64, error) {
	if relType == "" {
		return s.count(ctx, `SELECT COUNT(*) FROM edges`)
	}
	return s.count(ctx, `SELECT COUNT(*) FROM edges WHERE rel_type = ?`, relType)
}

func (s *Store) distinct(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PropertyKeys implements graph.Store.
func (s *Store) PropertyKeys(ctx context.Context, label string) ([]string, error) {
	if label == "" {
		return s.distinct(ctx, `SELECT DISTINCT name FROM node_props ORDER BY name`)
	}
	return s.distinct(ctx,
		`SELECT DISTINCT p.name FROM node_props p JOIN nodes n ON n.id = p.node_id WHERE n.label = ? ORDER BY p.name`,
		label)
}

// EdgeTypes implements graph.Store.
func (s *Store) EdgeTypes(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT rel_type FROM edges ORDER BY rel_type`)
}

// DeleteNodes implements graph.Store.
func (s *Store) DeleteNodes(ctx context.Context, label, withProperty string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if label == "" && withProperty == "" {
		n, err := s.count(ctx, `SELECT COUNT(*) FROM nodes`)
		if err != nil {
			return 0, err
		}
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range []string{`DELETE FROM edges`, `DELETE FROM node_props`, `DELETE FROM nodes`} {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("delete all nodes: %w", err)
		}
		return int(n), nil
	}

	query := `SELECT DISTINCT n.id FROM nodes n`
	var (
		where []string
		args  []any
	)
	if withProperty != "" {
		query += ` JOIN node_props p ON p.node_id = n.id`
		where = append(where, `p.name = ?`)
		args = append(args, withProperty)
	}
	if label != "" {
		where = append(where, `n.label = ?`)
		args = append(args, label)
	}
	query += ` WHERE ` + strings.Join(where, ` AND `)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return inChunks(ids, func(chunk []int64) error {
			in := placeholders(len(chunk))
			args := int64Args(chunk)
			if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src IN (`+in+`) OR dst IN (`+in+`)`, append(args, args...)...); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM node_props WHERE node_id IN (`+in+`)`, args...); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id IN (`+in+`)`, args...)
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	return len(ids), nil
}

// DeleteEdges implements graph.Store.
func (s *Store) DeleteEdges(ctx context.Context, relType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE rel_type = ?`, relType)
	if err != nil {
		return 0, fmt.Errorf("delete %s edges: %w", relType, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
