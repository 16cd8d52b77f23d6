package meta

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Persisted field names.
const (
	keyID    = "id"
	keyHash  = "hash"
	keyTS    = "ts"
	keyMagic = "magic"
)

// Record is the persisted attribute record of one object.
//
// Hash and TypeClass are derived from content and trusted only while
// Fingerprint equals the object's current mtime fingerprint.
type Record struct {
	ID          uuid.UUID
	Hash        Digest
	Fingerprint int64
	HasTS       bool
	TypeClass   string

	// Leftovers names fields that were present but malformed or unknown.
	Leftovers []string
}

// Encode serializes r as a msgpack map with sorted keys, so equal records
// produce equal bytes.
func (r *Record) Encode() ([]byte, error) {
	m := map[string]any{keyID: r.ID.String()}
	if !r.Hash.IsZero() {
		m[keyHash] = r.Hash.String()
	}
	if r.HasTS {
		m[keyTS] = r.Fingerprint
	}
	if r.TypeClass != "" {
		m[keyMagic] = r.TypeClass
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses data leniently. Fields that fail validation are
// dropped and named in Leftovers; a missing or invalid identity leaves ID as
// uuid.Nil. A payload that is not a map at all returns an error.
func DecodeRecord(data []byte) (*Record, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("malformed record: not a map")
	}

	r := &Record{}
	for k, v := range m {
		switch k {
		case keyID:
			s, ok := v.(string)
			if !ok {
				r.Leftovers = append(r.Leftovers, k)
				continue
			}
			id, err := uuid.Parse(s)
			if err != nil || id == uuid.Nil {
				r.Leftovers = append(r.Leftovers, k)
				continue
			}
			r.ID = id
		case keyHash:
			s, ok := v.(string)
			if !ok {
				r.Leftovers = append(r.Leftovers, k)
				continue
			}
			d, err := ParseDigest(s)
			if err != nil || d.IsZero() {
				r.Leftovers = append(r.Leftovers, k)
				continue
			}
			r.Hash = d
		case keyTS:
			ts, ok := toInt64(v)
			if !ok {
				r.Leftovers = append(r.Leftovers, k)
				continue
			}
			r.Fingerprint = ts
			r.HasTS = true
		case keyMagic:
			s, ok := v.(string)
			if !ok || s == "" {
				r.Leftovers = append(r.Leftovers, k)
				continue
			}
			r.TypeClass = s
		default:
			r.Leftovers = append(r.Leftovers, k)
		}
	}
	sort.Strings(r.Leftovers)
	return r, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
