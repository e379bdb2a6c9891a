// Package workkey derives deterministic content addresses for generated
// artifacts. All functions are pure: same logical inputs produce the same
// key across processes and over time.
package workkey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// Key version prefix. A future change to the input set bumps the version so
// old and new keys can never collide, and stale drafts simply stop matching.
const keyV1Prefix = "v1:"

// Inputs is everything that influences the content the generator would
// produce for one artifact. Any field change must change the key;
// under-hashing causes incorrect reuse, which is a correctness bug.
type Inputs struct {
	ProjectID     uuid.UUID
	ScopeIdentity string         // per-item: product id; per-scope: the scope id
	DraftType     string
	RuleParams    map[string]any // canonicalized before hashing
	VariantParams []string       // ordered variant inputs (intent, query, ...)
}

// Compute produces the versioned work key for the given inputs.
// Object-valued rule params are flattened with sorted keys and every field
// is length-prefixed before hashing, so freeform values cannot collide
// across field boundaries.
func Compute(in Inputs) (string, error) {
	if in.ProjectID == uuid.Nil {
		return "", fmt.Errorf("workkey: project id is required")
	}
	if in.ScopeIdentity == "" {
		return "", fmt.Errorf("workkey: scope identity is required")
	}
	if in.DraftType == "" {
		return "", fmt.Errorf("workkey: draft type is required")
	}

	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(in.ProjectID.String())
	writeField(in.ScopeIdentity)
	writeField(in.DraftType)

	flat, err := flatten("", in.RuleParams)
	if err != nil {
		return "", err
	}
	writeField(strconv.Itoa(len(flat)))
	for _, kv := range flat {
		writeField(kv.key)
		writeField(kv.value)
	}

	writeField(strconv.Itoa(len(in.VariantParams)))
	for _, v := range in.VariantParams {
		writeField(v)
	}

	return keyV1Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// RulesHash fingerprints a rule configuration alone. Used to scope runs and
// drafts to the configuration that produced them.
func RulesHash(rules map[string]any) (string, error) {
	flat, err := flatten("", rules)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, kv := range flat {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kv.key)))
		h.Write(lenBuf[:])
		h.Write([]byte(kv.key))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kv.value)))
		h.Write(lenBuf[:])
		h.Write([]byte(kv.value))
	}
	return keyV1Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

type flatKV struct {
	key   string
	value string
}

// flatten converts a nested params object into sorted key/value pairs with
// dotted paths. Map iteration order never reaches the hash: keys are sorted
// at every level. Scalar encoding is type-tagged so "1" (string) and 1
// (number) hash differently.
func flatten(prefix string, m map[string]any) ([]flatKV, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []flatKV
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch v := m[k].(type) {
		case nil:
			out = append(out, flatKV{path, "z:"})
		case string:
			out = append(out, flatKV{path, "s:" + v})
		case bool:
			out = append(out, flatKV{path, "b:" + strconv.FormatBool(v)})
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("workkey: non-finite number at %s", path)
			}
			out = append(out, flatKV{path, "n:" + strconv.FormatFloat(v, 'g', -1, 64)})
		case int:
			out = append(out, flatKV{path, "n:" + strconv.FormatFloat(float64(v), 'g', -1, 64)})
		case int64:
			out = append(out, flatKV{path, "n:" + strconv.FormatFloat(float64(v), 'g', -1, 64)})
		case map[string]any:
			nested, err := flatten(path, v)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		case []any:
			for i, el := range v {
				elPath := path + "[" + strconv.Itoa(i) + "]"
				nested, err := flatten("", map[string]any{elPath: el})
				if err != nil {
					return nil, err
				}
				out = append(out, nested...)
			}
		case []string:
			for i, el := range v {
				out = append(out, flatKV{path + "[" + strconv.Itoa(i) + "]", "s:" + el})
			}
		default:
			return nil, fmt.Errorf("workkey: unsupported rule param type %T at %s", v, path)
		}
	}
	return out, nil
}
