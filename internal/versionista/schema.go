package versionista

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Kind is the JSON shape expected for a field.
type Kind int

// Field kinds understood by Schema.
const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindArray
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindTime:
		return "RFC3339 time"
	default:
		return "unknown"
	}
}

// Schema is the minimal shape a vendor JSON listing must have: an object
// holding one array of records under Collection.
type Schema struct {
	Collection string
	Required   map[string]Kind
	Optional   map[string]Kind
}

// DecodeCollection validates body against schema and decodes the records.
// Any mismatch is reported as a SchemaError tagged with endpoint and field.
func DecodeCollection[T any](endpoint string, body []byte, schema Schema) ([]T, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &SchemaError{Endpoint: endpoint, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	rawList, ok := envelope[schema.Collection]
	if !ok || jsonKind(rawList) != '[' {
		return nil, &SchemaError{Endpoint: endpoint, Field: schema.Collection, Err: fmt.Errorf("missing array")}
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(rawList, &records); err != nil {
		return nil, &SchemaError{Endpoint: endpoint, Field: schema.Collection, Err: fmt.Errorf("decode records: %w", err)}
	}

	out := make([]T, 0, len(records))
	for i, rec := range records {
		if err := schema.check(rec); err != nil {
			err.Endpoint = endpoint
			err.Field = fmt.Sprintf("%s[%d].%s", schema.Collection, i, err.Field)
			return nil, err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("re-encode record %d: %w", i, err)
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &SchemaError{
				Endpoint: endpoint,
				Field:    fmt.Sprintf("%s[%d]", schema.Collection, i),
				Err:      err,
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func (s Schema) check(rec map[string]json.RawMessage) *SchemaError {
	for _, name := range slices.Sorted(maps.Keys(s.Required)) {
		kind := s.Required[name]
		value, ok := rec[name]
		if !ok || jsonKind(value) == 'n' {
			return &SchemaError{Field: name, Err: fmt.Errorf("required %s is missing", kind)}
		}
		if err := checkKind(value, kind); err != nil {
			return &SchemaError{Field: name, Err: err}
		}
	}
	for _, name := range slices.Sorted(maps.Keys(s.Optional)) {
		kind := s.Optional[name]
		value, ok := rec[name]
		if !ok || jsonKind(value) == 'n' {
			continue
		}
		if err := checkKind(value, kind); err != nil {
			return &SchemaError{Field: name, Err: err}
		}
	}
	return nil
}

func checkKind(value json.RawMessage, kind Kind) error {
	got := jsonKind(value)
	var ok bool
	switch kind {
	case KindString:
		ok = got == '"'
	case KindNumber:
		ok = got == '0'
	case KindBool:
		ok = got == 'b'
	case KindArray:
		ok = got == '['
	case KindTime:
		if got == '"' {
			var s string
			if err := json.Unmarshal(value, &s); err == nil {
				_, err = time.Parse(time.RFC3339, s)
				ok = err == nil
			}
		}
	}
	if !ok {
		return fmt.Errorf("expected %s, got %s", kind, truncate(value, 40))
	}
	return nil
}

// jsonKind classifies a raw JSON value by its first byte: '"' string, '0'
// number, 'b' bool, 'n' null, '[' array, '{' object.
func jsonKind(value json.RawMessage) byte {
	v := bytes.TrimSpace(value)
	if len(v) == 0 {
		return 0
	}
	switch c := v[0]; {
	case c == '"', c == '[', c == '{':
		return c
	case c == 't', c == 'f':
		return 'b'
	case c == 'n':
		return 'n'
	case c == '-', c >= '0' && c <= '9':
		return '0'
	default:
		return 0
	}
}

func truncate(value json.RawMessage, n int) string {
	if len(value) <= n {
		return string(value)
	}
	return string(value[:n]) + "..."
}
