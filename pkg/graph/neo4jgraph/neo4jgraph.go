// Package neo4jgraph stores the event knowledge graph in Neo4j 5.
//
// Every write is a parameterized Cypher statement over an UNWIND list of
// rows; labels, relationship types and property keys are validated and
// backtick-quoted before they reach the query text.
package neo4jgraph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/graph"
)

const (
	pageSize    = 1000
	deleteBatch = 10000
)

// Config holds the connection settings.
type Config struct {
	URI      string `yaml:"uri" env:"EKG_NEO4J_URI"`
	Username string `yaml:"username" env:"EKG_NEO4J_USERNAME"`
	Password string `yaml:"password" env:"EKG_NEO4J_PASSWORD"`
	Database string `yaml:"database" env:"EKG_NEO4J_DATABASE"`
	// ImportDir is a directory the server reads as file:///. When set,
	// CSV imports are copied there and loaded with LOAD CSV.
	ImportDir string `yaml:"import_dir" env:"EKG_NEO4J_IMPORT_DIR"`
}

// Store implements graph.Store and graph.BulkImporter on a Neo4j driver.
type Store struct {
	driver neo4j.DriverWithContext
	cfg    Config
	logger *zap.Logger
}

// Open connects and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", cfg.URI, err)
	}
	logger.Info("connected to neo4j", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))
	return &Store{driver: driver, cfg: cfg, logger: logger}, nil
}

func (s *Store) query(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("neo4j query failed: %w", err)
	}
	return res, nil
}

// single runs query and returns the int64 in column key of the first row.
func (s *Store) single(ctx context.Context, query string, params map[string]any, key string) (int64, error) {
	res, err := s.query(ctx, query, params)
	if err != nil {
		return 0, err
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	v, _ := res.Records[0].Get(key)
	n, _ := v.(int64)
	return n, nil
}

// EnsureIndex implements graph.Store.
func (s *Store) EnsureIndex(ctx context.Context, label, property string) error {
	if err := graph.CheckIdentifiers(label, property); err != nil {
		return err
	}
	q := fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
		graph.Quote("ekg_"+label+"_"+property), graph.Quote(label), graph.Quote(property))
	_, err := s.query(ctx, q, nil)
	return err
}

// CreateNodes implements graph.Store.
func (s *Store) CreateNodes(ctx context.Context, label string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	q := fmt.Sprintf("UNWIND $rows AS row CREATE (n:%s) SET n = row RETURN count(n) AS created", graph.Quote(label))
	n, err := s.single(ctx, q, map[string]any{"rows": toParams(rows)}, "created")
	return int(n), err
}

// UpsertNodes implements graph.Store. Rows repeating a key within the batch
// collapse to the first.
func (s *Store) UpsertNodes(ctx context.Context, label, key string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(rows))
	unique := make([]graph.Properties, 0, len(rows))
	for _, r := range rows {
		k := graph.Stringify(r[key])
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, r)
	}
	if len(unique) == 0 {
		return 0, nil
	}
	n, err := s.single(ctx, upsertQuery(label, key), map[string]any{"rows": toParams(unique)}, "created")
	return int(n), err
}

func upsertQuery(label, key string) string {
	return fmt.Sprintf(`UNWIND $rows AS row
OPTIONAL MATCH (n:%[1]s) WHERE n.%[2]s = row.%[2]s
WITH row, count(n) AS existing
WHERE existing = 0
CREATE (m:%[1]s) SET m = row
RETURN count(m) AS created`, graph.Quote(label), graph.Quote(key))
}

// FindNodes implements graph.Store. The oldest node wins when several share
// a key value.
func (s *Store) FindNodes(ctx context.Context, label, key string, values []string) (map[string]graph.Node, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return nil, err
	}
	out := make(map[string]graph.Node, len(values))
	if len(values) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`MATCH (n:%s) WHERE toStringOrNull(n.%s) IN $values
WITH toStringOrNull(n.%[2]s) AS key, n ORDER BY id(n)
WITH key, collect(n)[0] AS n
RETURN key, n`, graph.Quote(label), graph.Quote(key))
	res, err := s.query(ctx, q, map[string]any{"values": values})
	if err != nil {
		return nil, err
	}
	for _, rec := range res.Records {
		k, _ := rec.Get("key")
		v, _ := rec.Get("n")
		n, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		out[fmt.Sprint(k)] = toNode(n)
	}
	return out, nil
}

// MergeEdges implements graph.Store.
func (s *Store) MergeEdges(ctx context.Context, batch graph.EdgeBatch) (int, error) {
	if err := checkBatch(batch); err != nil {
		return 0, err
	}
	rows := dedupeEdgeRows(batch)
	if len(rows) == 0 {
		return 0, nil
	}
	params := map[string]any{"rows": rows, "ident": stringsToAny(batch.IdentityProps)}
	n, err := s.single(ctx, mergeEdgesQuery(batch), params, "created")
	return int(n), err
}

func checkBatch(b graph.EdgeBatch) error {
	ids := []string{b.Type}
	if b.FromKey != "" {
		ids = append(ids, b.FromLabel, b.FromKey)
	}
	if b.ToKey != "" {
		ids = append(ids, b.ToLabel, b.ToKey)
	}
	return graph.CheckIdentifiers(ids...)
}

// endpoint renders the MATCH of one edge end bound to variable v.
func endpoint(v, label, key, param string) string {
	if key == "" {
		return fmt.Sprintf("MATCH (%[1]s) WHERE elementId(%[1]s) = row.%[2]s", v, param)
	}
	return fmt.Sprintf("MATCH (%[1]s:%[2]s) WHERE %[1]s.%[3]s = row.%[4]s", v, graph.Quote(label), graph.Quote(key), param)
}

func mergeEdgesQuery(b graph.EdgeBatch) string {
	return fmt.Sprintf(`UNWIND $rows AS row
%s
%s
OPTIONAL MATCH (a)-[r:%s]->(b)
WHERE all(k IN $ident WHERE r[k] = row.props[k] OR (r[k] IS NULL AND row.props[k] IS NULL))
WITH a, b, row, count(r) AS existing
WHERE existing = 0
CREATE (a)-[e:%[3]s]->(b)
SET e = row.props
RETURN count(e) AS created`,
		endpoint("a", b.FromLabel, b.FromKey, "from"),
		endpoint("b", b.ToLabel, b.ToKey, "to"),
		graph.Quote(b.Type))
}

// dedupeEdgeRows converts rows to parameters, dropping rows that repeat the
// endpoints and identity values of an earlier row.
func dedupeEdgeRows(b graph.EdgeBatch) []any {
	seen := make(map[string]bool, len(b.Rows))
	out := make([]any, 0, len(b.Rows))
	for _, r := range b.Rows {
		parts := []string{graph.Stringify(r.From), graph.Stringify(r.To)}
		for _, p := range b.IdentityProps {
			parts = append(parts, graph.Stringify(r.Props[p]))
		}
		k := strings.Join(parts, "\x1f")
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, map[string]any{
			"from":  graph.NormalizeValue(r.From),
			"to":    graph.NormalizeValue(r.To),
			"props": toParam(r.Props),
		})
	}
	return out
}

// Link implements graph.Store.
func (s *Store) Link(ctx context.Context, spec graph.LinkSpec) (int, error) {
	if err := graph.CheckIdentifiers(spec.Type, spec.FromLabel, spec.FromProp, spec.ToLabel, spec.ToProp); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`MATCH (a:%[1]s) WHERE a.%[2]s IS NOT NULL
MATCH (b:%[3]s) WHERE b.%[4]s = a.%[2]s AND NOT EXISTS { (a)-[:%[5]s]->(b) }
CREATE (a)-[:%[5]s]->(b)
RETURN count(*) AS created`,
		graph.Quote(spec.FromLabel), graph.Quote(spec.FromProp),
		graph.Quote(spec.ToLabel), graph.Quote(spec.ToProp), graph.Quote(spec.Type))
	n, err := s.single(ctx, q, nil, "created")
	return int(n), err
}

// SetProperties implements graph.Store.
func (s *Store) SetProperties(ctx context.Context, updates []graph.PropertyUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	rows := make([]any, len(updates))
	for i, u := range updates {
		rows[i] = map[string]any{"id": u.NodeID, "props": toParam(u.Props)}
	}
	q := `UNWIND $rows AS row
MATCH (n) WHERE elementId(n) = row.id
SET n += row.props
RETURN count(n) AS updated`
	n, err := s.single(ctx, q, map[string]any{"rows": rows}, "updated")
	return int(n), err
}

func labelPattern(v, label string) (string, error) {
	if label == "" {
		return "(" + v + ")", nil
	}
	if err := graph.CheckIdentifiers(label); err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s:%s)", v, graph.Quote(label)), nil
}

func relPattern(relType string) (string, error) {
	if relType == "" {
		return "()-[r]->()", nil
	}
	if err := graph.CheckIdentifiers(relType); err != nil {
		return "", err
	}
	return fmt.Sprintf("()-[r:%s]->()", graph.Quote(relType)), nil
}

// ScanNodes implements graph.Store. Pages are fetched by internal id so fn
// never runs inside an open transaction.
func (s *Store) ScanNodes(ctx context.Context, label string, fn func(graph.Node) error) error {
	pat, err := labelPattern("n", label)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("MATCH %s WHERE id(n) > $after RETURN n, id(n) AS seq ORDER BY seq LIMIT %d", pat, pageSize)
	return s.page(ctx, q, func(v any) error {
		n, ok := v.(neo4j.Node)
		if !ok {
			return fmt.Errorf("unexpected node value %T", v)
		}
		return fn(toNode(n))
	}, "n")
}

// ScanEdges implements graph.Store.
func (s *Store) ScanEdges(ctx context.Context, relType string, fn func(graph.Edge) error) error {
	pat, err := relPattern(relType)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("MATCH %s WHERE id(r) > $after RETURN r, id(r) AS seq ORDER BY seq LIMIT %d", pat, pageSize)
	return s.page(ctx, q, func(v any) error {
		r, ok := v.(neo4j.Relationship)
		if !ok {
			return fmt.Errorf("unexpected relationship value %T", v)
		}
		return fn(graph.Edge{
			ID:    r.ElementId,
			Type:  r.Type,
			From:  r.StartElementId,
			To:    r.EndElementId,
			Props: fromProps(r.Props),
		})
	}, "r")
}

func (s *Store) page(ctx context.Context, q string, fn func(any) error, col string) error {
	after := int64(-1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.query(ctx, q, map[string]any{"after": after})
		if err != nil {
			return err
		}
		for _, rec := range res.Records {
			v, _ := rec.Get(col)
			if err := fn(v); err != nil {
				return err
			}
			seq, _ := rec.Get("seq")
			after, _ = seq.(int64)
		}
		if len(res.Records) < pageSize {
			return nil
		}
	}
}

// CountNodes implements graph.Store.
func (s *Store) CountNodes(ctx context.Context, label string) (int64, error) {
	pat, err := labelPattern("n", label)
	if err != nil {
		return 0, err
	}
	return s.single(ctx, "MATCH "+pat+" RETURN count(n) AS c", nil, "c")
}

// CountEdges implements graph.Store.
func (s *Store) CountEdges(ctx context.Context, relType string) (int64, error) {
	pat, err := relPattern(relType)
	if err != nil {
		return 0, err
	}
	return s.single(ctx, "MATCH "+pat+" RETURN count(r) AS c", nil, "c")
}

// PropertyKeys implements graph.Store.
func (s *Store) PropertyKeys(ctx context.Context, label string) ([]string, error) {
	pat, err := labelPattern("n", label)
	if err != nil {
		return nil, err
	}
	return s.strings(ctx, "MATCH "+pat+" UNWIND keys(n) AS k RETURN DISTINCT k ORDER BY k")
}

// EdgeTypes implements graph.Store.
func (s *Store) EdgeTypes(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "MATCH ()-[r]->() RETURN DISTINCT type(r) AS k ORDER BY k")
}

func (s *Store) strings(ctx context.Context, q string) ([]string, error) {
	res, err := s.query(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		v, _ := rec.Get("k")
		out = append(out, fmt.Sprint(v))
	}
	return out, nil
}

// DeleteNodes implements graph.Store. Deletion runs in bounded transactions.
func (s *Store) DeleteNodes(ctx context.Context, label, withProperty string) (int, error) {
	pat, err := labelPattern("n", label)
	if err != nil {
		return 0, err
	}
	where := ""
	if withProperty != "" {
		if err := graph.CheckIdentifiers(withProperty); err != nil {
			return 0, err
		}
		where = fmt.Sprintf(" WHERE n.%s IS NOT NULL", graph.Quote(withProperty))
	}
	q := fmt.Sprintf("MATCH %s%s WITH n LIMIT %d DETACH DELETE n RETURN count(*) AS deleted", pat, where, deleteBatch)
	return s.drain(ctx, q)
}

// DeleteEdges implements graph.Store.
func (s *Store) DeleteEdges(ctx context.Context, relType string) (int, error) {
	if err := graph.CheckIdentifiers(relType); err != nil {
		return 0, err
	}
	q := fmt.Sprintf("MATCH ()-[r:%s]->() WITH r LIMIT %d DELETE r RETURN count(*) AS deleted", graph.Quote(relType), deleteBatch)
	return s.drain(ctx, q)
}

func (s *Store) drain(ctx context.Context, q string) (int, error) {
	total := 0
	for {
		n, err := s.single(ctx, q, nil, "deleted")
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < deleteBatch {
			return total, nil
		}
	}
}

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func toNode(n neo4j.Node) graph.Node {
	label := ""
	if len(n.Labels) > 0 {
		label = n.Labels[0]
	}
	return graph.Node{ID: n.ElementId, Label: label, Props: fromProps(n.Props)}
}

// toParam converts property values to driver parameter types.
func toParam(p graph.Properties) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if v = graph.NormalizeValue(v); v != nil {
			out[k] = v
		}
	}
	return out
}

func toParams(rows []graph.Properties) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = toParam(r)
	}
	return out
}

// fromProps maps driver values back to the graph value domain. Times come
// back in the zone they were written with and are reported in UTC.
func fromProps(p map[string]any) graph.Properties {
	out := make(graph.Properties, len(p))
	for k, v := range p {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromValue(e)
		}
		return out
	}
	return graph.NormalizeValue(v)
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
