// Package ocel reads Object-Centric Event Log (OCEL) 2.0 JSON documents and
// normalizes them into the four canonical tables the graph loader consumes:
// objects, object attribute versions, events and event-to-object relations.
//
// OCEL 2.0 standard: https://www.ocel-standard.org/
package ocel

import (
	"time"
)

// --- Raw document (as exported by OCEL 2.0 tooling) ---

// Document is a decoded OCEL 2.0 JSON log.
type Document struct {
	ObjectTypes []TypeDecl
	EventTypes  []TypeDecl
	Objects     []RawObject
	Events      []RawEvent
}

// TypeDecl declares an object or event type and its attribute schema.
type TypeDecl struct {
	Name       string          `json:"name"`
	Attributes []AttributeDecl `json:"attributes"`
}

// AttributeDecl is one declared attribute.
type AttributeDecl struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RawObject is an object with its time-stamped attribute records.
type RawObject struct {
	ID            string
	Type          string
	Attributes    []ObjectAttributeRecord
	Relationships []Relationship
}

// ObjectAttributeRecord is one attribute value that became valid at Time.
type ObjectAttributeRecord struct {
	Name  string
	Value any
	Time  time.Time
}

// RawEvent is an event with its attribute records and object references.
type RawEvent struct {
	ID            string
	Type          string
	Time          time.Time
	Attributes    []EventAttributeRecord
	Relationships []Relationship
}

// EventAttributeRecord is one event attribute.
type EventAttributeRecord struct {
	Name  string
	Value any
}

// Relationship is a qualified reference to an object.
type Relationship struct {
	ObjectID  string
	Qualifier string
}

// --- Canonical tables ---

// Reserved event columns. Event attributes must not reuse these names.
const (
	ColumnID   = "id"
	ColumnType = "type"
	ColumnTime = "time"
)

// ObjectRow is one row of the objects table.
type ObjectRow struct {
	ID   string
	Type string
}

// ObjectAttributeRow is one attribute version of an object.
type ObjectAttributeRow struct {
	ID    string
	Name  string
	Value any
	Time  time.Time
}

// EventRow is one row of the events table. Seq is the zero-based position
// of the event in ingestion order and breaks ties between equal times.
type EventRow struct {
	ID    string
	Type  string
	Time  time.Time
	Seq   int64
	Attrs map[string]any
}

// RelationRow is one qualified event-to-object relation.
type RelationRow struct {
	EventID   string
	ObjectID  string
	Qualifier string
}

// EventTable holds event rows and the union of their attribute columns,
// ordered by first appearance.
type EventTable struct {
	Columns []string
	Rows    []EventRow
}

// Tables is the complete normalized form of one log.
type Tables struct {
	Objects          []ObjectRow
	ObjectAttributes []ObjectAttributeRow
	Events           EventTable
	Relations        []RelationRow
}

// Stats summarizes table sizes.
func (t *Tables) Stats() map[string]int {
	return map[string]int{
		"objects":           len(t.Objects),
		"object_attributes": len(t.ObjectAttributes),
		"events":            len(t.Events.Rows),
		"relations":         len(t.Relations),
	}
}
