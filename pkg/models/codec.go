package models

import (
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// Document is the loosely typed wire form used by the remote store.
type Document = map[string]any

// Encode serializes v for the local cache.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// Decode parses data into v. Any parse failure is reported as ErrMalformed.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeEntities parses a cached list and validates every element.
func DecodeEntities[E Entity](data []byte) ([]E, error) {
	var list []E
	if err := Decode(data, &list); err != nil {
		return nil, err
	}
	for i, e := range list {
		if reflect.ValueOf(e).IsNil() {
			return nil, fmt.Errorf("%w: null element at %d", ErrMalformed, i)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformed, i, err)
		}
	}
	return list, nil
}

// DecodeDocuments is DecodeEntities for documents read from the remote store.
func DecodeDocuments[E Entity](docs []Document) ([]E, error) {
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeEntities[E](data)
}

// ToDocument converts e to its remote form with empty optional fields removed.
func ToDocument(e Entity) (Document, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", e.Kind(), e.EntityID(), err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", e.Kind(), e.EntityID(), err)
	}
	return StripEmpty(doc), nil
}

// FromDocument fills e from a remote document and validates the result.
func FromDocument(doc Document, e Entity) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Decode(data, e); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

var zeroTime = time.Time{}.Format(time.RFC3339Nano)

// StripEmpty drops nil values, empty strings, empty collections and zero
// timestamps, recursing into nested objects. Absent is the canonical encoding
// of an unset optional field.
func StripEmpty(doc Document) Document {
	for k, v := range doc {
		switch val := v.(type) {
		case nil:
			delete(doc, k)
		case string:
			if val == "" || val == zeroTime {
				delete(doc, k)
			}
		case []any:
			if len(val) == 0 {
				delete(doc, k)
			}
		case map[string]any:
			StripEmpty(val)
			if len(val) == 0 {
				delete(doc, k)
			}
		}
	}
	return doc
}
