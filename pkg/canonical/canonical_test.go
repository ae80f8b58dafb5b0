package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_KeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": "t", "x": 10}}
	b := map[string]any{"c": map[string]any{"x": 10, "y": "t"}, "a": 1, "b": 2}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, `{"a":1,"b":2,"c":{"x":10,"y":"t"}}`, ca)
	assert.Equal(t, ca, cb)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalize_DropsNullFields(t *testing.T) {
	out, err := Canonicalize(map[string]any{"a": 1, "b": nil, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"c":3}`, out)
}

func TestCanonicalize_PreservesArrayOrder(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"arr": []any{map[string]any{"b": 2, "a": 1}, 3, "t"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[{"a":1,"b":2},3,"t"]}`, out)
}

func TestCanonicalize_StructTagsRespected(t *testing.T) {
	type record struct {
		Zed   string  `json:"zed"`
		Alpha int     `json:"alpha"`
		Skip  *string `json:"skip,omitempty"`
	}
	out, err := Canonicalize(record{Zed: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zed":"z"}`, out)
}

func TestCanonicalize_NFCNormalization(t *testing.T) {
	// "é" as precomposed U+00E9 vs "e" + combining acute U+0301
	composed := "café"
	decomposed := "cafe\u0301"

	h1, err := Hash(map[string]any{"name": composed})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"name": decomposed})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalize_NFCNormalizedKeyOrder(t *testing.T) {
	// A decomposed key starts with plain "e" (0x65) and raw-sorts before
	// "f", but its NFC form starts with 0xC3 0xA9 and sorts after. Both
	// spellings must produce the same output, ordered by the normalized
	// bytes.
	composedKey := "éx"
	decomposedKey := "éx"

	a, err := Canonicalize(map[string]any{decomposedKey: 1, "f": 2})
	require.NoError(t, err)
	b, err := Canonicalize(map[string]any{composedKey: 1, "f": 2})
	require.NoError(t, err)

	assert.Equal(t, `{"f":2,"`+composedKey+`":1}`, a)
	assert.Equal(t, a, b)

	ha, err := Hash(map[string]any{decomposedKey: 1, "f": 2})
	require.NoError(t, err)
	hb, err := Hash(map[string]any{composedKey: 1, "f": 2})
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalize_CollapsesEquivalentKeySpellings(t *testing.T) {
	// Spellings that normalize to the same key collapse to one entry; the
	// raw spelling sorting last wins.
	out, err := Canonicalize(map[string]any{
		"éx":  "composed",
		"éx": "decomposed",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"éx":"composed"}`, out)
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]any{"h": "<b>&</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"h":"<b>&</b>"}`, out)
}

func TestCanonicalize_RejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": math.NaN()})
	assert.Error(t, err)

	_, err = Canonicalize(map[string]any{"x": math.Inf(1)})
	assert.Error(t, err)
}

func TestHash_Shape(t *testing.T) {
	h, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Len(t, h, 64)
	assert.Equal(t, strings.ToLower(h), h)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	in := map[string]any{"z": []any{1, 2}, "a": map[string]any{"k": "v"}, "n": 1.5}
	once, err := Canonicalize(in)
	require.NoError(t, err)

	var parsed any
	require.NoError(t, json.Unmarshal([]byte(once), &parsed))
	twice, err := Canonicalize(parsed)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

// On null-free inputs our canonical form must agree with RFC 8785, which the
// jcs reference implementation computes directly from encoded JSON.
func TestCanonicalize_MatchesRFC8785Reference(t *testing.T) {
	in := map[string]any{
		"b":   2,
		"a":   1,
		"arr": []any{map[string]any{"y": "t", "x": 10}, "s", true},
	}
	encoded, err := json.Marshal(in)
	require.NoError(t, err)

	ref, err := jcs.Transform(encoded)
	require.NoError(t, err)

	ours, err := Canonicalize(in)
	require.NoError(t, err)
	assert.Equal(t, string(ref), ours)
}
