// Package graph defines the property-graph storage boundary used by the event
// knowledge graph builder.
//
// A Store executes a small, typed set of operations: node creation and
// upsert-by-key, edge merge, property-equality linking, property updates and
// scans. Labels and relationship types are validated identifiers and all
// values travel as parameters, so no backend ever interpolates user data
// into a query.
package graph

import (
	"context"
)

// Labels and relationship types of the event knowledge graph.
const (
	LabelEvent           = "Event"
	LabelEntity          = "Entity"
	LabelEntityAttribute = "EntityAttribute"

	RelCorr         = "CORR"
	RelHasAttribute = "HAS_ATTRIBUTE"
	RelDF           = "DF"
)

// Properties is the open property map of a node or edge.
type Properties map[string]any

// Clone returns a shallow copy.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Node is a stored node. ID is backend-assigned and opaque.
type Node struct {
	ID    string
	Label string
	Props Properties
}

// Edge is a stored relationship.
type Edge struct {
	ID    string
	Type  string
	From  string
	To    string
	Props Properties
}

// EdgeRow is one edge to merge. From and To are matched against FromKey and
// ToKey of the enclosing batch, or are node IDs when the key is empty.
type EdgeRow struct {
	From  any
	To    any
	Props Properties
}

// EdgeBatch merges edges of one type. An edge already present with the same
// endpoints and the same values for IdentityProps is left untouched. Rows
// whose endpoints cannot be resolved are skipped.
type EdgeBatch struct {
	Type          string
	FromLabel     string
	FromKey       string
	ToLabel       string
	ToKey         string
	IdentityProps []string
	Rows          []EdgeRow
}

// LinkSpec creates Type edges between every FromLabel node and every ToLabel
// node whose FromProp and ToProp values are equal.
type LinkSpec struct {
	Type      string
	FromLabel string
	FromProp  string
	ToLabel   string
	ToProp    string
}

// PropertyUpdate sets properties on a node, overwriting existing values.
type PropertyUpdate struct {
	NodeID string
	Props  Properties
}

// Store is the storage boundary. Implementations must be safe for
// concurrent use. Every write returns the number of elements it created,
// updated or deleted so no-op steps are observable.
type Store interface {
	// EnsureIndex declares a lookup index on label.property. Idempotent.
	EnsureIndex(ctx context.Context, label, property string) error

	// CreateNodes appends one node per row.
	CreateNodes(ctx context.Context, label string, rows []Properties) (int, error)

	// UpsertNodes creates a node per row unless a node with the same
	// label and key value exists. Returns the number created.
	UpsertNodes(ctx context.Context, label, key string, rows []Properties) (int, error)

	// FindNodes resolves nodes by the stringified value of key.
	FindNodes(ctx context.Context, label, key string, values []string) (map[string]Node, error)

	MergeEdges(ctx context.Context, batch EdgeBatch) (int, error)
	Link(ctx context.Context, spec LinkSpec) (int, error)
	SetProperties(ctx context.Context, updates []PropertyUpdate) (int, error)

	// ScanNodes calls fn for every node with label ("" scans all nodes).
	ScanNodes(ctx context.Context, label string, fn func(Node) error) error
	// ScanEdges calls fn for every edge of relType ("" scans all edges).
	ScanEdges(ctx context.Context, relType string, fn func(Edge) error) error

	CountNodes(ctx context.Context, label string) (int64, error)
	CountEdges(ctx context.Context, relType string) (int64, error)
	PropertyKeys(ctx context.Context, label string) ([]string, error)
	EdgeTypes(ctx context.Context) ([]string, error)

	// DeleteNodes detaches and deletes nodes of label ("" = any label)
	// that carry withProperty ("" = all such nodes).
	DeleteNodes(ctx context.Context, label, withProperty string) (int, error)
	// DeleteEdges deletes every edge of relType.
	DeleteEdges(ctx context.Context, relType string) (int, error)

	Close(ctx context.Context) error
}

// BulkImporter is implemented by stores with a native CSV import path.
type BulkImporter interface {
	ImportCSV(ctx context.Context, spec CSVImport) (int, error)
}
