// Package arangograph stores the event knowledge graph in ArangoDB.
//
// All nodes share one document collection and all relationships one edge
// collection. Each document carries its label or type, a sequence number
// that fixes scan order, the typed property values and their stringified
// forms, which back key lookups and joins.
package arangograph

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/graph"
)

const (
	nodeCollection = "ekg_nodes"
	edgeCollection = "ekg_edges"
	pageSize       = 1000
)

// Config holds the connection settings.
type Config struct {
	URL      string `yaml:"url" env:"EKG_ARANGO_URL"`
	Username string `yaml:"username" env:"EKG_ARANGO_USERNAME"`
	Password string `yaml:"password" env:"EKG_ARANGO_PASSWORD"`
	Database string `yaml:"database" env:"EKG_ARANGO_DATABASE"`
}

// Validate checks the required settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type nodeDoc struct {
	Key   string                      `json:"_key,omitempty"`
	Label string                      `json:"label"`
	Seq   int64                       `json:"seq"`
	Props map[string]graph.TypedValue `json:"props"`
	Keys  map[string]string           `json:"keys"`
}

type edgeDoc struct {
	Key   string                      `json:"_key,omitempty"`
	From  string                      `json:"_from"`
	To    string                      `json:"_to"`
	Type  string                      `json:"type"`
	Seq   int64                       `json:"seq"`
	Ident string                      `json:"ident"`
	Props map[string]graph.TypedValue `json:"props"`
}

// Store implements graph.Store on an ArangoDB database.
type Store struct {
	db     arangodb.Database
	logger *zap.Logger

	mu       sync.Mutex
	lastNode int64
	lastEdge int64
}

// Open connects, creates the database and collections if needed and
// resumes sequence numbering from the stored maximum.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))
	if err := conn.SetAuthentication(connection.NewBasicAuth(cfg.Username, cfg.Password)); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}
	client := arangodb.NewClient(conn)

	exists, err := client.DatabaseExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("check database exists: %w", err)
	}
	if !exists {
		if _, err := client.CreateDatabase(ctx, cfg.Database, nil); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
		logger.Info("arangodb database created", zap.String("database", cfg.Database))
	}
	db, err := client.GetDatabase(ctx, cfg.Database, nil)
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.ensureCollection(ctx, nodeCollection, arangodb.CollectionTypeDocument, []string{"label", "seq"}); err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx, edgeCollection, arangodb.CollectionTypeEdge, []string{"type", "seq"}); err != nil {
		return nil, err
	}
	if s.lastNode, err = s.maxSeq(ctx, nodeCollection); err != nil {
		return nil, err
	}
	if s.lastEdge, err = s.maxSeq(ctx, edgeCollection); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context, name string, colType arangodb.CollectionType, index []string) error {
	exists, err := s.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}
	if !exists {
		props := &arangodb.CreateCollectionPropertiesV2{Type: &colType}
		if _, err := s.db.CreateCollectionV2(ctx, name, props); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		s.logger.Info("arangodb collection created", zap.String("collection", name))
	}
	col, err := s.db.GetCollection(ctx, name, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", name, err)
	}
	if _, _, err := col.EnsurePersistentIndex(ctx, index, nil); err != nil {
		return fmt.Errorf("ensure index on %s: %w", name, err)
	}
	return nil
}

func (s *Store) maxSeq(ctx context.Context, collection string) (int64, error) {
	out, err := readAll[*int64](ctx, s.db,
		"RETURN MAX(FOR d IN @@col RETURN d.seq)", map[string]any{"@col": collection})
	if err != nil || len(out) == 0 || out[0] == nil {
		return 0, err
	}
	return *out[0], nil
}

// readAll runs an AQL query and decodes every result. The cursor is closed
// before returning, so callers may issue further queries while handling
// the results.
func readAll[T any](ctx context.Context, db arangodb.Database, query string, bind map[string]any) ([]T, error) {
	cursor, err := db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bind})
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer cursor.Close()
	var out []T
	for cursor.HasMore() {
		var v T
		if _, err := cursor.ReadDocument(ctx, &v); err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) count(ctx context.Context, query string, bind map[string]any) (int64, error) {
	out, err := readAll[int64](ctx, s.db, query, bind)
	if err != nil || len(out) == 0 {
		return 0, err
	}
	return out[0], nil
}

func nodeHandle(key string) string { return nodeCollection + "/" + key }

func nodeKey(handle string) string { return strings.TrimPrefix(handle, nodeCollection+"/") }

func encodeDoc(p graph.Properties) (map[string]graph.TypedValue, map[string]string, error) {
	props := make(map[string]graph.TypedValue, len(p))
	keys := make(map[string]string, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		t, err := graph.EncodeValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("property %s: %w", k, err)
		}
		props[k] = t
		keys[k] = graph.Stringify(v)
	}
	return props, keys, nil
}

func decodeDoc(props map[string]graph.TypedValue) (graph.Properties, error) {
	out := make(graph.Properties, len(props))
	for k, t := range props {
		v, err := graph.DecodeValue(t)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (d nodeDoc) node() (graph.Node, error) {
	props, err := decodeDoc(d.Props)
	if err != nil {
		return graph.Node{}, fmt.Errorf("node %s: %w", d.Key, err)
	}
	return graph.Node{ID: d.Key, Label: d.Label, Props: props}, nil
}

// EnsureIndex implements graph.Store.
func (s *Store) EnsureIndex(ctx context.Context, label, property string) error {
	if err := graph.CheckIdentifiers(label, property); err != nil {
		return err
	}
	col, err := s.db.GetCollection(ctx, nodeCollection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", nodeCollection, err)
	}
	_, _, err = col.EnsurePersistentIndex(ctx, []string{"label", "keys." + property}, nil)
	return err
}

// CreateNodes implements graph.Store.
func (s *Store) CreateNodes(ctx context.Context, label string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertNodes(ctx, label, rows)
}

// insertNodes assigns sequence numbers and inserts. Caller holds mu.
func (s *Store) insertNodes(ctx context.Context, label string, rows []graph.Properties) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	docs := make([]nodeDoc, len(rows))
	seq := s.lastNode
	for i, r := range rows {
		props, keys, err := encodeDoc(r)
		if err != nil {
			return 0, err
		}
		seq++
		docs[i] = nodeDoc{Key: strconv.FormatInt(seq, 10), Label: label, Seq: seq, Props: props, Keys: keys}
	}
	n, err := s.count(ctx,
		"FOR d IN @docs INSERT d INTO @@col COLLECT WITH COUNT INTO c RETURN c",
		map[string]any{"docs": docs, "@col": nodeCollection})
	if err != nil {
		return 0, err
	}
	s.lastNode = seq
	return int(n), nil
}

// UpsertNodes implements graph.Store.
func (s *Store) UpsertNodes(ctx context.Context, label, key string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]string, 0, len(rows))
	for _, r := range rows {
		values = append(values, graph.Stringify(r[key]))
	}
	existing, err := s.findNodes(ctx, label, key, values)
	if err != nil {
		return 0, err
	}
	var fresh []graph.Properties
	for i, r := range rows {
		if _, ok := existing[values[i]]; ok {
			continue
		}
		existing[values[i]] = graph.Node{}
		fresh = append(fresh, r)
	}
	return s.insertNodes(ctx, label, fresh)
}

// FindNodes implements graph.Store.
func (s *Store) FindNodes(ctx context.Context, label, key string, values []string) (map[string]graph.Node, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return nil, err
	}
	return s.findNodes(ctx, label, key, values)
}

func (s *Store) findNodes(ctx context.Context, label, key string, values []string) (map[string]graph.Node, error) {
	out := make(map[string]graph.Node, len(values))
	if len(values) == 0 {
		return out, nil
	}
	docs, err := readAll[nodeDoc](ctx, s.db,
		`FOR n IN @@col FILTER n.label == @label AND n.keys[@key] IN @values SORT n.seq RETURN n`,
		map[string]any{"@col": nodeCollection, "label": label, "key": key, "values": values})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		v := d.Keys[key]
		if _, ok := out[v]; ok {
			continue
		}
		n, err := d.node()
		if err != nil {
			return nil, err
		}
		out[v] = n
	}
	return out, nil
}

// resolve maps edge endpoints to node keys. An empty key means the values
// already are node IDs.
func (s *Store) resolve(ctx context.Context, label, key string, values []any) (map[string]string, error) {
	ids := make(map[string]string, len(values))
	if key == "" {
		for _, v := range values {
			ids[graph.Stringify(v)] = graph.Stringify(v)
		}
		return ids, nil
	}
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = graph.Stringify(v)
	}
	found, err := s.findNodes(ctx, label, key, strs)
	if err != nil {
		return nil, err
	}
	for v, n := range found {
		ids[v] = n.ID
	}
	return ids, nil
}

type pair struct {
	from, to string
	props    graph.Properties
}

// MergeEdges implements graph.Store.
func (s *Store) MergeEdges(ctx context.Context, batch graph.EdgeBatch) (int, error) {
	if err := graph.CheckIdentifiers(batch.Type); err != nil {
		return 0, err
	}
	froms := make([]any, len(batch.Rows))
	tos := make([]any, len(batch.Rows))
	for i, r := range batch.Rows {
		froms[i], tos[i] = r.From, r.To
	}
	fromIDs, err := s.resolve(ctx, batch.FromLabel, batch.FromKey, froms)
	if err != nil {
		return 0, err
	}
	toIDs, err := s.resolve(ctx, batch.ToLabel, batch.ToKey, tos)
	if err != nil {
		return 0, err
	}
	pairs := make([]pair, 0, len(batch.Rows))
	for _, r := range batch.Rows {
		from, ok := fromIDs[graph.Stringify(r.From)]
		if !ok {
			continue
		}
		to, ok := toIDs[graph.Stringify(r.To)]
		if !ok {
			continue
		}
		pairs = append(pairs, pair{from: from, to: to, props: r.Props})
	}
	return s.mergeEdges(ctx, batch.Type, batch.IdentityProps, pairs)
}

func identity(props graph.Properties, names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = graph.Stringify(props[n])
	}
	return strings.Join(parts, "\x1f")
}

// mergeEdges inserts the pairs with no stored edge of the same type,
// endpoints and identity. Endpoints that do not exist are skipped.
func (s *Store) mergeEdges(ctx context.Context, relType string, ident []string, pairs []pair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(pairs))
	docs := make([]edgeDoc, 0, len(pairs))
	seq := s.lastEdge
	for _, p := range pairs {
		id := identity(p.props, ident)
		k := p.from + "\x1f" + p.to + "\x1f" + id
		if seen[k] {
			continue
		}
		seen[k] = true
		props, _, err := encodeDoc(p.props)
		if err != nil {
			return 0, err
		}
		seq++
		docs = append(docs, edgeDoc{
			Key:   strconv.FormatInt(seq, 10),
			From:  nodeHandle(p.from),
			To:    nodeHandle(p.to),
			Type:  relType,
			Seq:   seq,
			Ident: id,
			Props: props,
		})
	}
	n, err := s.count(ctx, `FOR d IN @docs
  FILTER DOCUMENT(d._from) != null AND DOCUMENT(d._to) != null
  LET hit = FIRST(FOR e IN @@edges FILTER e._from == d._from AND e._to == d._to AND e.type == d.type AND e.ident == d.ident LIMIT 1 RETURN 1)
  FILTER hit == null
  INSERT d INTO @@edges
  COLLECT WITH COUNT INTO c
  RETURN c`, map[string]any{"docs": docs, "@edges": edgeCollection})
	if err != nil {
		return 0, err
	}
	s.lastEdge = seq
	return int(n), nil
}

// Link implements graph.Store.
func (s *Store) Link(ctx context.Context, spec graph.LinkSpec) (int, error) {
	if err := graph.CheckIdentifiers(spec.Type, spec.FromLabel, spec.FromProp, spec.ToLabel, spec.ToProp); err != nil {
		return 0, err
	}
	type match struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	matches, err := readAll[match](ctx, s.db, `FOR a IN @@col
  FILTER a.label == @fromLabel AND HAS(a.keys, @fromProp)
  FOR b IN @@col
    FILTER b.label == @toLabel AND b.keys[@toProp] == a.keys[@fromProp]
    SORT a.seq, b.seq
    RETURN {from: a._key, to: b._key}`, map[string]any{
		"@col": nodeCollection, "fromLabel": spec.FromLabel, "fromProp": spec.FromProp,
		"toLabel": spec.ToLabel, "toProp": spec.ToProp,
	})
	if err != nil {
		return 0, err
	}
	created := 0
	for start := 0; start < len(matches); start += pageSize {
		end := min(start+pageSize, len(matches))
		pairs := make([]pair, 0, end-start)
		for _, m := range matches[start:end] {
			pairs = append(pairs, pair{from: m.From, to: m.To})
		}
		n, err := s.mergeEdges(ctx, spec.Type, nil, pairs)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}

// SetProperties implements graph.Store.
func (s *Store) SetProperties(ctx context.Context, updates []graph.PropertyUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	type patch struct {
		Key   string                      `json:"key"`
		Props map[string]graph.TypedValue `json:"props"`
		Keys  map[string]string           `json:"keys"`
	}
	patches := make([]patch, len(updates))
	for i, u := range updates {
		props, keys, err := encodeDoc(u.Props)
		if err != nil {
			return 0, err
		}
		patches[i] = patch{Key: u.NodeID, Props: props, Keys: keys}
	}
	n, err := s.count(ctx, `FOR u IN @patches
  LET n = DOCUMENT(@@col, u.key)
  FILTER n != null
  UPDATE n WITH {props: u.props, keys: u.keys} IN @@col OPTIONS {mergeObjects: true}
  COLLECT WITH COUNT INTO c
  RETURN c`, map[string]any{"patches": patches, "@col": nodeCollection})
	return int(n), err
}

func labelFilter(v, field, value string) (string, map[string]any, error) {
	if value == "" {
		return "", map[string]any{}, nil
	}
	if err := graph.CheckIdentifiers(value); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("FILTER %s.%s == @match", v, field), map[string]any{"match": value}, nil
}

// ScanNodes implements graph.Store. Nodes are visited in creation order.
func (s *Store) ScanNodes(ctx context.Context, label string, fn func(graph.Node) error) error {
	filter, bind, err := labelFilter("n", "label", label)
	if err != nil {
		return err
	}
	bind["@col"] = nodeCollection
	q := fmt.Sprintf("FOR n IN @@col %s FILTER n.seq > @after SORT n.seq LIMIT %d RETURN n", filter, pageSize)
	after := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bind["after"] = after
		docs, err := readAll[nodeDoc](ctx, s.db, q, bind)
		if err != nil {
			return err
		}
		for _, d := range docs {
			n, err := d.node()
			if err != nil {
				return err
			}
			if err := fn(n); err != nil {
				return err
			}
			after = d.Seq
		}
		if len(docs) < pageSize {
			return nil
		}
	}
}

// ScanEdges implements graph.Store.
func (s *Store) ScanEdges(ctx context.Context, relType string, fn func(graph.Edge) error) error {
	filter, bind, err := labelFilter("e", "type", relType)
	if err != nil {
		return err
	}
	bind["@col"] = edgeCollection
	q := fmt.Sprintf("FOR e IN @@col %s FILTER e.seq > @after SORT e.seq LIMIT %d RETURN e", filter, pageSize)
	after := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bind["after"] = after
		docs, err := readAll[edgeDoc](ctx, s.db, q, bind)
		if err != nil {
			return err
		}
		for _, d := range docs {
			props, err := decodeDoc(d.Props)
			if err != nil {
				return fmt.Errorf("edge %s: %w", d.Key, err)
			}
			e := graph.Edge{ID: d.Key, Type: d.Type, From: nodeKey(d.From), To: nodeKey(d.To), Props: props}
			if err := fn(e); err != nil {
				return err
			}
			after = d.Seq
		}
		if len(docs) < pageSize {
			return nil
		}
	}
}

// CountNodes implements graph.Store.
func (s *Store) CountNodes(ctx context.Context, label string) (int64, error) {
	filter, bind, err := labelFilter("n", "label", label)
	if err != nil {
		return 0, err
	}
	bind["@col"] = nodeCollection
	return s.count(ctx, "FOR n IN @@col "+filter+" COLLECT WITH COUNT INTO c RETURN c", bind)
}

// CountEdges implements graph.Store.
func (s *Store) CountEdges(ctx context.Context, relType string) (int64, error) {
	filter, bind, err := labelFilter("e", "type", relType)
	if err != nil {
		return 0, err
	}
	bind["@col"] = edgeCollection
	return s.count(ctx, "FOR e IN @@col "+filter+" COLLECT WITH COUNT INTO c RETURN c", bind)
}

// PropertyKeys implements graph.Store.
func (s *Store) PropertyKeys(ctx context.Context, label string) ([]string, error) {
	filter, bind, err := labelFilter("n", "label", label)
	if err != nil {
		return nil, err
	}
	bind["@col"] = nodeCollection
	return readAll[string](ctx, s.db,
		"FOR n IN @@col "+filter+" FOR k IN ATTRIBUTES(n.props) COLLECT key = k SORT key RETURN key", bind)
}

// EdgeTypes implements graph.Store.
func (s *Store) EdgeTypes(ctx context.Context) ([]string, error) {
	return readAll[string](ctx, s.db,
		"FOR e IN @@col COLLECT t = e.type SORT t RETURN t", map[string]any{"@col": edgeCollection})
}

// DeleteNodes implements graph.Store. Attached edges are removed first.
func (s *Store) DeleteNodes(ctx context.Context, label, withProperty string) (int, error) {
	filter, bind, err := labelFilter("n", "label", label)
	if err != nil {
		return 0, err
	}
	if withProperty != "" {
		if err := graph.CheckIdentifiers(withProperty); err != nil {
			return 0, err
		}
		filter += " FILTER HAS(n.props, @prop)"
		bind["prop"] = withProperty
	}
	bind["@col"] = nodeCollection
	q := fmt.Sprintf("FOR n IN @@col %s LIMIT %d RETURN n._id", filter, pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		handles, err := readAll[string](ctx, s.db, q, bind)
		if err != nil {
			return deleted, err
		}
		if len(handles) == 0 {
			return deleted, nil
		}
		if _, err := s.count(ctx, `FOR e IN @@edges FILTER e._from IN @ids OR e._to IN @ids
  REMOVE e IN @@edges COLLECT WITH COUNT INTO c RETURN c`,
			map[string]any{"@edges": edgeCollection, "ids": handles}); err != nil {
			return deleted, err
		}
		n, err := s.count(ctx, `FOR id IN @ids REMOVE PARSE_IDENTIFIER(id).key IN @@col
  COLLECT WITH COUNT INTO c RETURN c`, map[string]any{"@col": nodeCollection, "ids": handles})
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
}

// DeleteEdges implements graph.Store.
func (s *Store) DeleteEdges(ctx context.Context, relType string) (int, error) {
	if err := graph.CheckIdentifiers(relType); err != nil {
		return 0, err
	}
	n, err := s.count(ctx, `FOR e IN @@col FILTER e.type == @type REMOVE e IN @@col
  COLLECT WITH COUNT INTO c RETURN c`, map[string]any{"@col": edgeCollection, "type": relType})
	return int(n), err
}

// Close implements graph.Store. The HTTP connection holds no session.
func (s *Store) Close(ctx context.Context) error {
	return nil
}
