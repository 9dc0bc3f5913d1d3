// Package cache provides the content-addressed, two-tier result cache:
// a fine-grained call cache keyed by raw prompt + model id, and a coarser
// task cache keyed by task type + full input context.
//
// Fingerprint computation is a pure function of (task type, canonicalized
// input). A collision between semantically different inputs would return
// silently wrong analysis, so canonicalization sorts object keys at every
// depth and hashing uses length-prefixed field encoding to rule out
// delimiter collisions in freeform text.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/torii-ai/torii/internal/model"
)

// TaskFingerprint computes the task-tier cache key for an input. The
// feedback field is included: a regeneration pass with different evaluator
// feedback is a semantically different request.
func TaskFingerprint(in model.TaskInput) model.Fingerprint {
	h := sha256.New()
	writeField(h, string(in.Type))
	writeField(h, canonicalize(in.Params))
	writeField(h, in.ContentHash)
	writeField(h, in.Feedback)
	return model.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// CallFingerprint computes the call-tier cache key from the raw prompt and
// the model identifier.
func CallFingerprint(modelID, prompt string) model.Fingerprint {
	h := sha256.New()
	writeField(h, modelID)
	writeField(h, prompt)
	return model.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// writeField hashes a 4-byte big-endian length prefix followed by the field
// bytes, so adjacent fields can never be confused for one another.
func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by task input limits
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(s))
}

// canonicalize renders a value as a deterministic string: map keys are
// sorted lexicographically at every depth, floats use a fixed format, and
// every element is length-delimited by construction of the surrounding
// syntax. encoding/json is deliberately not used here because it preserves
// no ordering guarantee for map-typed values decoded from the wire.
func canonicalize(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case string:
		return strconv.Quote(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		// Integral floats (the common case after JSON decoding) render
		// without an exponent so 3 and 3.0 collide, as they should.
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', 17, 64)
	case []any:
		out := "["
		for i, e := range x {
			if i > 0 {
				out += ","
			}
			out += canonicalize(e)
		}
		return out + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += strconv.Quote(k) + ":" + canonicalize(x[k])
		}
		return out + "}"
	default:
		// Uncommon scalar types fall back to their fmt rendering, which is
		// deterministic for any single concrete type.
		return fmt.Sprintf("%T(%v)", v, v)
	}
}
