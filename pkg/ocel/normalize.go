package ocel

import (
	"github.com/logflow/ekg/pkg/graph"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// IsReservedColumn reports whether name is one of the fixed event columns.
func IsReservedColumn(name string) bool {
	return name == ColumnID || name == ColumnType || name == ColumnTime
}

// NormalizeObjects produces the objects table and the object attribute
// version table. Objects without attributes contribute only an object row.
func NormalizeObjects(doc *Document) ([]ObjectRow, []ObjectAttributeRow, error) {
	if doc == nil {
		return nil, nil, ekgerrors.MalformedLogInput("nil document")
	}
	objects := make([]ObjectRow, 0, len(doc.Objects))
	var attrs []ObjectAttributeRow
	for _, o := range doc.Objects {
		if o.ID == "" || o.Type == "" {
			return nil, nil, ekgerrors.MalformedLogInput("object lacks id or type").WithContext("id", o.ID)
		}
		objects = append(objects, ObjectRow{ID: o.ID, Type: o.Type})
		for _, a := range o.Attributes {
			attrs = append(attrs, ObjectAttributeRow{
				ID:    o.ID,
				Name:  a.Name,
				Value: graph.NormalizeValue(a.Value),
				Time:  a.Time,
			})
		}
	}
	return objects, attrs, nil
}

// NormalizeEvents folds each event's attribute list into one row and emits
// one relation row per distinct (objectId, qualifier) of the event. A
// repeated attribute name keeps its last value. Attribute names equal to
// id, type or time are rejected with SchemaConflict.
func NormalizeEvents(doc *Document) (EventTable, []RelationRow, error) {
	if doc == nil {
		return EventTable{}, nil, ekgerrors.MalformedLogInput("nil document")
	}
	var (
		table     = EventTable{Rows: make([]EventRow, 0, len(doc.Events))}
		relations []RelationRow
		seenCol   = make(map[string]struct{})
	)
	for i, e := range doc.Events {
		if e.ID == "" || e.Type == "" {
			return EventTable{}, nil, ekgerrors.MalformedLogInput("event lacks id or type").WithContext("index", i)
		}
		row := EventRow{
			ID:    e.ID,
			Type:  e.Type,
			Time:  e.Time,
			Seq:   int64(i),
			Attrs: make(map[string]any, len(e.Attributes)),
		}
		for _, a := range e.Attributes {
			if IsReservedColumn(a.Name) {
				return EventTable{}, nil, ekgerrors.SchemaConflict("event:"+e.ID, a.Name)
			}
			if _, ok := seenCol[a.Name]; !ok {
				seenCol[a.Name] = struct{}{}
				table.Columns = append(table.Columns, a.Name)
			}
			row.Attrs[a.Name] = graph.NormalizeValue(a.Value)
		}
		table.Rows = append(table.Rows, row)

		type relKey struct{ object, qualifier string }
		seenRel := make(map[relKey]struct{}, len(e.Relationships))
		for _, r := range e.Relationships {
			k := relKey{r.ObjectID, r.Qualifier}
			if _, dup := seenRel[k]; dup {
				continue
			}
			seenRel[k] = struct{}{}
			relations = append(relations, RelationRow{EventID: e.ID, ObjectID: r.ObjectID, Qualifier: r.Qualifier})
		}
	}
	return table, relations, nil
}

// Normalize produces all four canonical tables. No partial output is
// returned on error.
func Normalize(doc *Document) (*Tables, error) {
	objects, attrs, err := NormalizeObjects(doc)
	if err != nil {
		return nil, err
	}
	events, relations, err := NormalizeEvents(doc)
	if err != nil {
		return nil, err
	}
	return &Tables{
		Objects:          objects,
		ObjectAttributes: attrs,
		Events:           events,
		Relations:        relations,
	}, nil
}
