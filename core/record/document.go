package record

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const recordSchemaID = "inmemory://stash/record.schema.json"

//go:embed schema/record.schema.json
var recordSchema []byte

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// Field names shared by every storage layout.
const (
	FieldKind      = "kind"
	FieldPath      = "path"
	FieldName      = "name"
	FieldTarget    = "target"
	FieldBody      = "body"
	FieldRemaining = "remaining"
	FieldExpiresAt = "expires_at"
)

// Document is the flat storage form of a record. ExpiresAt is unix milliseconds, zero
// meaning no expiry.
type Document struct {
	Kind      string
	Path      string
	Name      string
	Target    string
	Body      string
	Remaining *int64
	ExpiresAt int64
}

// ToDocument flattens r for storage.
func ToDocument(r *Record) (Document, error) {
	if r == nil {
		return Document{}, fmt.Errorf("%w: nil record", ErrMalformedRecord)
	}
	var doc Document
	switch d := r.Data.(type) {
	case File:
		doc = Document{Kind: string(KindFile), Path: d.Path, Name: d.Name}
	case URL:
		doc = Document{Kind: string(KindURL), Target: d.Target}
	case Paste:
		doc = Document{Kind: string(KindPaste), Body: d.Body}
	default:
		return Document{}, fmt.Errorf("%w: unknown payload %T", ErrMalformedRecord, r.Data)
	}
	if r.RemainingAccesses != nil {
		n := *r.RemainingAccesses
		doc.Remaining = &n
	}
	if !r.ExpiresAt.IsZero() {
		doc.ExpiresAt = r.ExpiresAt.UnixMilli()
	}
	if err := ValidateDocument(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// DocumentFromFields parses a string field map such as a Redis hash.
func DocumentFromFields(fields map[string]string) (Document, error) {
	doc := Document{
		Kind:   fields[FieldKind],
		Path:   fields[FieldPath],
		Name:   fields[FieldName],
		Target: fields[FieldTarget],
		Body:   fields[FieldBody],
	}
	if raw, ok := fields[FieldRemaining]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Document{}, fmt.Errorf("%w: remaining %q", ErrMalformedRecord, raw)
		}
		doc.Remaining = &n
	}
	if raw, ok := fields[FieldExpiresAt]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Document{}, fmt.Errorf("%w: expires_at %q", ErrMalformedRecord, raw)
		}
		doc.ExpiresAt = ms
	}
	return doc, nil
}

// Fields renders the document as a field map, omitting fields that do not apply.
func (d Document) Fields() map[string]any {
	out := map[string]any{FieldKind: d.Kind}
	switch Kind(d.Kind) {
	case KindFile:
		out[FieldPath] = d.Path
		out[FieldName] = d.Name
	case KindURL:
		out[FieldTarget] = d.Target
	case KindPaste:
		out[FieldBody] = d.Body
	}
	if d.Remaining != nil {
		out[FieldRemaining] = *d.Remaining
	}
	if d.ExpiresAt > 0 {
		out[FieldExpiresAt] = d.ExpiresAt
	}
	return out
}

// Record validates the document and builds the record it describes.
func (d Document) Record(slug string) (*Record, error) {
	if err := ValidateDocument(d); err != nil {
		return nil, err
	}
	r := &Record{Slug: slug}
	switch Kind(d.Kind) {
	case KindFile:
		r.Data = File{Path: d.Path, Name: d.Name}
	case KindURL:
		r.Data = URL{Target: d.Target}
	case KindPaste:
		r.Data = Paste{Body: d.Body}
	}
	if d.Remaining != nil {
		n := *d.Remaining
		r.RemainingAccesses = &n
	}
	if d.ExpiresAt > 0 {
		r.ExpiresAt = time.UnixMilli(d.ExpiresAt).UTC()
	}
	return r, nil
}

// ValidateDocument checks the document against the embedded record schema.
func ValidateDocument(d Document) error {
	schema, err := recordJSONSchema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(d.Fields())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return nil
}

func recordJSONSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(recordSchemaID, bytes.NewReader(recordSchema)); err != nil {
			compileErr = fmt.Errorf("add record schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(recordSchemaID)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile record schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}
