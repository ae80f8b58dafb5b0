// Package canonical provides deterministic, order-independent serialization
// and SHA-256 hashing of structured records for tamper-evidence and
// idempotency fingerprints.
//
// Canonical form contract:
//  1. Object keys are NFC-normalized, then sorted lexicographically by UTF-8
//     bytes at every depth. Spellings that normalize to the same key collapse
//     to one entry.
//  2. Keys whose value is null are omitted entirely.
//  3. Arrays keep declared order (sequences, not sets); null elements are skipped.
//  4. Strings are NFC-normalized before encoding.
//  5. Numbers round-trip through json.Number, so no binary float drift.
//  6. HTML escaping is disabled.
//
// Two deep-equal values differing only in key order or Unicode normalization
// form produce byte-identical output.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize returns the canonical JSON form of v as a string.
func Canonicalize(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Marshal returns the canonical JSON form of v as bytes.
//
// Strategy: marshal to intermediate JSON first (so struct tags are
// respected), decode into generic values with UseNumber, then re-marshal
// recursively with sorted keys and null stripping.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// Hash returns the lowercase hex SHA-256 digest of the canonical form of v.
// The result is always exactly 64 characters.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex-encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func marshalRecursive(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(norm.NFC.String(t)); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline, trim it
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		first := true
		for _, elem := range t {
			if elem == nil {
				// null array elements carry no canonical content
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		// Keys must be normalized before sorting: NFC can reorder the byte
		// sequence, so sorting the raw spellings would emit objects whose
		// keys are not sorted by their encoded bytes.
		raw := make([]string, 0, len(t))
		for k := range t {
			if t[k] == nil {
				// absent-valued keys are omitted entirely
				continue
			}
			raw = append(raw, k)
		}
		sort.Strings(raw)

		values := make(map[string]any, len(raw))
		keys := make([]string, 0, len(raw))
		for _, k := range raw {
			nk := norm.NFC.String(k)
			if _, seen := values[nk]; !seen {
				keys = append(keys, nk)
			}
			// Colliding spellings resolve deterministically: the raw
			// spelling sorting last wins.
			values[nk] = t[k]
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(values[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
