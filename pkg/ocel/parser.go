package ocel

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Top-level keys every OCEL 2.0 JSON document carries.
var requiredKeys = []string{"objectTypes", "eventTypes", "objects", "events"}

// Accepted time layouts, most specific first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type rawObjectJSON struct {
	ID         *string `json:"id"`
	Type       *string `json:"type"`
	Attributes []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
		Time  string `json:"time"`
	} `json:"attributes"`
	Relationships []relationshipJSON `json:"relationships"`
}

type rawEventJSON struct {
	ID         *string `json:"id"`
	Type       *string `json:"type"`
	Time       *string `json:"time"`
	Attributes []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"attributes"`
	Relationships []relationshipJSON `json:"relationships"`
}

type relationshipJSON struct {
	ObjectID  string `json:"objectId"`
	Qualifier string `json:"qualifier"`
}

// ParseTime parses an OCEL timestamp.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Decode reads an OCEL 2.0 JSON document. The top level is walked token by
// token and the object and event arrays element by element, so ctx is
// honoured between records.
func Decode(ctx context.Context, r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "failed to read JSON")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ekgerrors.MalformedLogInput("expected a JSON object at top level")
	}

	doc := &Document{}
	seen := make(map[string]bool, len(requiredKeys))
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, ekgerrors.ContextCanceled("decode")
		}
		tok, err := dec.Token()
		if err != nil {
			return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "failed to read key")
		}
		key, _ := tok.(string)
		seen[key] = true

		switch key {
		case "objectTypes":
			err = dec.Decode(&doc.ObjectTypes)
		case "eventTypes":
			err = dec.Decode(&doc.EventTypes)
		case "objects":
			err = decodeArray(ctx, dec, func() error { return decodeObject(dec, doc) })
		case "events":
			err = decodeArray(ctx, dec, func() error { return decodeEvent(dec, doc) })
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			if _, ok := err.(*ekgerrors.Error); ok {
				return nil, err
			}
			return nil, ekgerrors.Wrapf(err, ekgerrors.CodeMalformedLogInput, "invalid %q section", key)
		}
	}

	for _, k := range requiredKeys {
		if !seen[k] {
			return nil, ekgerrors.MalformedLogInput("missing top-level key").WithContext("key", k)
		}
	}
	return doc, nil
}

func decodeArray(ctx context.Context, dec *json.Decoder, elem func() error) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("expected array, got %v", tok)
	}
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return ekgerrors.ContextCanceled("decode")
		}
		if err := elem(); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

func decodeObject(dec *json.Decoder, doc *Document) error {
	var raw rawObjectJSON
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	idx := len(doc.Objects)
	if raw.ID == nil || raw.Type == nil {
		return ekgerrors.MalformedLogInput("object lacks id or type").WithContext("index", idx)
	}
	obj := RawObject{ID: *raw.ID, Type: *raw.Type}
	for _, a := range raw.Attributes {
		rec := ObjectAttributeRecord{Name: a.Name, Value: a.Value}
		if a.Time != "" {
			t, err := ParseTime(a.Time)
			if err != nil {
				return ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "invalid attribute time").
					WithContext("object", obj.ID).
					WithContext("attribute", a.Name)
			}
			rec.Time = t
		}
		obj.Attributes = append(obj.Attributes, rec)
	}
	for _, r := range raw.Relationships {
		obj.Relationships = append(obj.Relationships, Relationship(r))
	}
	doc.Objects = append(doc.Objects, obj)
	return nil
}

func decodeEvent(dec *json.Decoder, doc *Document) error {
	var raw rawEventJSON
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	idx := len(doc.Events)
	if raw.ID == nil || raw.Type == nil {
		return ekgerrors.MalformedLogInput("event lacks id or type").WithContext("index", idx)
	}
	ev := RawEvent{ID: *raw.ID, Type: *raw.Type}
	if raw.Time != nil {
		t, err := ParseTime(*raw.Time)
		if err != nil {
			return ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "invalid event time").
				WithContext("event", ev.ID)
		}
		ev.Time = t
	}
	for _, a := range raw.Attributes {
		ev.Attributes = append(ev.Attributes, EventAttributeRecord{Name: a.Name, Value: a.Value})
	}
	for _, r := range raw.Relationships {
		ev.Relationships = append(ev.Relationships, Relationship(r))
	}
	doc.Events = append(doc.Events, ev)
	return nil
}

// ReadDocument decodes an OCEL 2.0 file. Plain .json/.jsonocel files are
// read directly; for .zip archives the first JSON entry is used.
func ReadDocument(ctx context.Context, path string) (*Document, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ekgerrors.FileNotFound(path)
		}
		return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "cannot stat input")
	}

	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return readZip(ctx, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "cannot open input")
	}
	defer f.Close()
	return Decode(ctx, f)
}

func readZip(ctx context.Context, path string) (*Document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "cannot open archive")
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".jsonocel") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, ekgerrors.Wrap(err, ekgerrors.CodeMalformedLogInput, "cannot open archive entry")
		}
		defer rc.Close()
		return Decode(ctx, rc)
	}
	return nil, ekgerrors.MalformedLogInput("archive holds no JSON entry").WithContext("path", path)
}
