// Package canon produces the deterministic byte form of an envelope used
// for hashing and signing: a fixed field set, sorted keys, compact
// separators, no whitespace.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Error reports a value in the canonical field set that cannot be
// serialized deterministically.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("canon: field %q: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fields is the fixed, ordered set of envelope fields that enter the
// canonical form. meta and content_encoding are intentionally excluded:
// meta mutation and content-encoding switches must not invalidate a
// signature computed earlier in the envelope's life.
type Fields struct {
	Type            string
	ThreadID        string
	SessionID       string
	Timestamp       int64
	Nonce           string
	Payload         any
	PrevMessageHash string
}

// Bytes renders f as compact, key-sorted JSON.
func Bytes(f Fields) ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	obj := map[string]any{
		"type":              f.Type,
		"thread_id":         f.ThreadID,
		"session_id":        f.SessionID,
		"timestamp":         f.Timestamp,
		"nonce":             f.Nonce,
		"payload":           payload,
		"prev_message_hash": f.PrevMessageHash,
	}
	var buf bytes.Buffer
	if err := encodeSorted(&buf, obj); err != nil {
		return nil, &Error{Field: "payload", Err: err}
	}
	return buf.Bytes(), nil
}

// encodeSorted writes v as JSON with object keys sorted at every nesting
// level and no insignificant whitespace. json.Marshal already emits
// compact output; only map key ordering needs fixing up, since
// encoding/json already sorts map[string]T keys lexicographically, but
// does not sort the keys of arbitrary structs or reorder nested values
// produced via interface{}. We normalize by round-tripping through a
// generic representation before marshaling.
func encodeSorted(buf *bytes.Buffer, v any) error {
	normalized, err := normalize(v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// normalize walks v, converting map[string]any into an orderedMap so
// json.Marshal emits keys in sorted order even for maps nested inside
// slices (encoding/json only sorts top-level map[string]T keys reliably
// for homogeneous maps; this keeps the guarantee recursive and explicit).
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, orderedPair{Key: k, Value: nv})
		}
		return orderedMap(pairs), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Reject values encoding/json cannot marshal (channels, funcs).
		if _, err := json.Marshal(v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

type orderedPair struct {
	Key   string
	Value any
}

type orderedMap []orderedPair

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
