// Package memory is an in-process graph.Store. It backs tests and small
// logs that do not need a database.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/logflow/ekg/pkg/graph"
)

// Store is a mutex-guarded property graph with lazily built lookup indexes.
type Store struct {
	mu sync.RWMutex

	nextNode int64
	nextEdge int64

	nodes     map[string]*graph.Node
	nodeOrder []string
	edges     map[string]*graph.Edge
	edgeOrder []string
	edgeKeys  map[string]string

	// label\x00property -> stringified value -> node IDs
	indexes map[string]map[string]map[string]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nodes:    make(map[string]*graph.Node),
		edges:    make(map[string]*graph.Edge),
		edgeKeys: make(map[string]string),
		indexes:  make(map[string]map[string]map[string]struct{}),
	}
}

var _ graph.Store = (*Store)(nil)

func indexKey(label, prop string) string { return label + "\x00" + prop }

func edgeKey(relType, from, to string, identity []string, props graph.Properties) string {
	var sb strings.Builder
	sb.WriteString(relType)
	sb.WriteByte(0)
	sb.WriteString(from)
	sb.WriteByte(0)
	sb.WriteString(to)
	for _, p := range identity {
		sb.WriteByte(0)
		sb.WriteString(graph.Stringify(props[p]))
	}
	return sb.String()
}

// index returns the lookup index for label.prop, building it on first use.
// Caller holds the write lock.
func (s *Store) index(label, prop string) map[string]map[string]struct{} {
	k := indexKey(label, prop)
	if idx, ok := s.indexes[k]; ok {
		return idx
	}
	idx := make(map[string]map[string]struct{})
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if v, ok := n.Props[prop]; ok && n.Label == label {
			addToIndex(idx, graph.Stringify(v), id)
		}
	}
	s.indexes[k] = idx
	return idx
}

func addToIndex(idx map[string]map[string]struct{}, value, id string) {
	set, ok := idx[value]
	if !ok {
		set = make(map[string]struct{})
		idx[value] = set
	}
	set[id] = struct{}{}
}

func (s *Store) indexNode(n *graph.Node, props graph.Properties, add bool) {
	for k, v := range props {
		idx, ok := s.indexes[indexKey(n.Label, k)]
		if !ok {
			continue
		}
		sv := graph.Stringify(v)
		if add {
			addToIndex(idx, sv, n.ID)
			continue
		}
		if set, ok := idx[sv]; ok {
			delete(set, n.ID)
			if len(set) == 0 {
				delete(idx, sv)
			}
		}
	}
}

func (s *Store) lookup(label, prop, value string) []string {
	set := s.index(label, prop)[value]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) addNode(label string, props graph.Properties) *graph.Node {
	s.nextNode++
	n := &graph.Node{
		ID:    "n" + strconv.FormatInt(s.nextNode, 10),
		Label: label,
		Props: normalize(props),
	}
	s.nodes[n.ID] = n
	s.nodeOrder = append(s.nodeOrder, n.ID)
	s.indexNode(n, n.Props, true)
	return n
}

func normalize(props graph.Properties) graph.Properties {
	out := make(graph.Properties, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		out[k] = graph.NormalizeValue(v)
	}
	return out
}

// EnsureIndex implements graph.Store.
func (s *Store) EnsureIndex(ctx context.Context, label, property string) error {
	if err := graph.CheckIdentifiers(label, property); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index(label, property)
	return nil
}

// CreateNodes implements graph.Store.
func (s *Store) CreateNodes(ctx context.Context, label string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.addNode(label, r)
	}
	return len(rows), nil
}

// UpsertNodes implements graph.Store.
func (s *Store) UpsertNodes(ctx context.Context, label, key string, rows []graph.Properties) (int, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index(label, key)
	created := 0
	for _, r := range rows {
		if len(s.lookup(label, key, graph.Stringify(r[key]))) > 0 {
			continue
		}
		s.addNode(label, r)
		created++
	}
	return created, nil
}

// FindNodes implements graph.Store. When several nodes share a value the
// first created wins.
func (s *Store) FindNodes(ctx context.Context, label, key string, values []string) (map[string]graph.Node, error) {
	if err := graph.CheckIdentifiers(label, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]graph.Node, len(values))
	for _, v := range values {
		if id, ok := s.first(label, key, v); ok {
			out[v] = s.copyNode(s.nodes[id])
		}
	}
	return out, nil
}

func (s *Store) first(label, key, value string) (string, bool) {
	ids := s.lookup(label, key, value)
	if len(ids) == 0 {
		return "", false
	}
	best := ids[0]
	for _, id := range ids[1:] {
		if nodeSeq(id) < nodeSeq(best) {
			best = id
		}
	}
	return best, true
}

func nodeSeq(id string) int64 {
	n, _ := strconv.ParseInt(strings.TrimLeft(id, "nr"), 10, 64)
	return n
}

func (s *Store) copyNode(n *graph.Node) graph.Node {
	return graph.Node{ID: n.ID, Label: n.Label, Props: n.Props.Clone()}
}

func (s *Store) resolve(label, key string, v any) (string, bool) {
	if key == "" {
		id, ok := v.(string)
		if !ok {
			return "", false
		}
		_, exists := s.nodes[id]
		return id, exists
	}
	return s.first(label, key, graph.Stringify(v))
}

func (s *Store) mergeEdge(relType, from, to string, identity []string, props graph.Properties) bool {
	props = normalize(props)
	k := edgeKey(relType, from, to, identity, props)
	if _, ok := s.edgeKeys[k]; ok {
		return false
	}
	s.nextEdge++
	e := &graph.Edge{
		ID:    "r" + strconv.FormatInt(s.nextEdge, 10),
		Type:  relType,
		From:  from,
		To:    to,
		Props: props,
	}
	s.edges[e.ID] = e
	s.edgeOrder = append(s.edgeOrder, e.ID)
	s.edgeKeys[k] = e.ID
	return true
}

// MergeEdges implements graph.Store.
func (s *Store) MergeEdges(ctx context.Context, batch graph.EdgeBatch) (int, error) {
	if err := graph.CheckIdentifiers(batch.Type); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, r := range batch.Rows {
		from, ok := s.resolve(batch.FromLabel, batch.FromKey, r.From)
		if !ok {
			continue
		}
		to, ok := s.resolve(batch.ToLabel, batch.ToKey, r.To)
		if !ok {
			continue
		}
		if s.mergeEdge(batch.Type, from, to, batch.IdentityProps, r.Props) {
			created++
		}
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
	s.index(spec.ToLabel, spec.ToProp)
	created := 0
	for _, id := range append([]string(nil), s.nodeOrder...) {
		n := s.nodes[id]
		if n.Label != spec.FromLabel {
			continue
		}
		v, ok := n.Props[spec.FromProp]
		if !ok {
			continue
		}
		for _, to := range s.lookup(spec.ToLabel, spec.ToProp, graph.Stringify(v)) {
			if s.mergeEdge(spec.Type, id, to, nil, nil) {
				created++
			}
		}
	}
	return created, nil
}

// SetProperties implements graph.Store.
func (s *Store) SetProperties(ctx context.Context, updates []graph.PropertyUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, u := range updates {
		n, ok := s.nodes[u.NodeID]
		if !ok {
			continue
		}
		old := make(graph.Properties, len(u.Props))
		for k := range u.Props {
			if v, ok := n.Props[k]; ok {
				old[k] = v
			}
		}
		s.indexNode(n, old, false)
		props := normalize(u.Props)
		for k, v := range props {
			n.Props[k] = v
		}
		s.indexNode(n, props, true)
		updated++
	}
	return updated, nil
}

// ScanNodes implements graph.Store. Nodes are visited in creation order.
func (s *Store) ScanNodes(ctx context.Context, label string, fn func(graph.Node) error) error {
	s.mu.RLock()
	var batch []graph.Node
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if label == "" || n.Label == label {
			batch = append(batch, s.copyNode(n))
		}
	}
	s.mu.RUnlock()
	for _, n := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// ScanEdges implements graph.Store. Edges are visited in creation order.
func (s *Store) ScanEdges(ctx context.Context, relType string, fn func(graph.Edge) error) error {
	s.mu.RLock()
	var batch []graph.Edge
	for _, id := range s.edgeOrder {
		e := s.edges[id]
		if relType == "" || e.Type == relType {
			batch = append(batch, graph.Edge{ID: e.ID, Type: e.Type, From: e.From, To: e.To, Props: e.Props.Clone()})
		}
	}
	s.mu.RUnlock()
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// CountNodes implements graph.Store.
func (s *Store) CountNodes(ctx context.Context, label string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, node := range s.nodes {
		if label == "" || node.Label == label {
			n++
		}
	}
	return n, nil
}

// CountEdges implements graph.Store.
func (s *Store) CountEdges(ctx context.Context, relType string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.edges {
		if relType == "" || e.Type == relType {
			n++
		}
	}
	return n, nil
}

// PropertyKeys implements graph.Store.
func (s *Store) PropertyKeys(ctx context.Context, label string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, n := range s.nodes {
		if label != "" && n.Label != label {
			continue
		}
		for k := range n.Props {
			seen[k] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// EdgeTypes implements graph.Store.
func (s *Store) EdgeTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range s.edges {
		seen[e.Type] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DeleteNodes implements graph.Store.
func (s *Store) DeleteNodes(ctx context.Context, label, withProperty string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[string]struct{})
	for id, n := range s.nodes {
		if label != "" && n.Label != label {
			continue
		}
		if withProperty != "" {
			if _, ok := n.Props[withProperty]; !ok {
				continue
			}
		}
		doomed[id] = struct{}{}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	s.removeEdges(func(e *graph.Edge) bool {
		_, from := doomed[e.From]
		_, to := doomed[e.To]
		return from || to
	})
	for id := range doomed {
		s.indexNode(s.nodes[id], s.nodes[id].Props, false)
		delete(s.nodes, id)
	}
	kept := s.nodeOrder[:0]
	for _, id := range s.nodeOrder {
		if _, ok := s.nodes[id]; ok {
			kept = append(kept, id)
		}
	}
	s.nodeOrder = kept
	return len(doomed), nil
}

// DeleteEdges implements graph.Store.
func (s *Store) DeleteEdges(ctx context.Context, relType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEdges(func(e *graph.Edge) bool { return e.Type == relType }), nil
}

func (s *Store) removeEdges(match func(*graph.Edge) bool) int {
	removed := 0
	kept := s.edgeOrder[:0]
	for _, id := range s.edgeOrder {
		e := s.edges[id]
		if !match(e) {
			kept = append(kept, id)
			continue
		}
		delete(s.edges, id)
		removed++
	}
	s.edgeOrder = kept
	if removed > 0 {
		for k, id := range s.edgeKeys {
			if _, ok := s.edges[id]; !ok {
				delete(s.edgeKeys, k)
			}
		}
	}
	return removed
}

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error { return nil }
