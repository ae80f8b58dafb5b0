package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: the hash of an object never depends on insertion order, and two
// identical logical objects always hash identically.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is deterministic over generated objects", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := Hash(obj)
			h2, err2 := Hash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2 && len(h1) == 64
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("null-valued keys never affect the hash", prop.ForAll(
		func(keys []string, extra string) bool {
			obj := make(map[string]any)
			for _, k := range keys {
				if k != "" {
					obj[k] = k
				}
			}
			base, err := Hash(obj)
			if err != nil {
				return false
			}

			withNull := make(map[string]any, len(obj)+1)
			for k, v := range obj {
				withNull[k] = v
			}
			if _, exists := withNull[extra]; !exists && extra != "" {
				withNull[extra] = nil
			}
			augmented, err := Hash(withNull)
			if err != nil {
				return false
			}
			return base == augmented
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
