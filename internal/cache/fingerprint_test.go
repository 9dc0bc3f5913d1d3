package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/torii-ai/torii/internal/model"
)

func TestTaskFingerprintStableUnderKeyReordering(t *testing.T) {
	// Maps iterate in random order; build two inputs whose params were
	// assembled in different orders and assert identical fingerprints.
	a := model.TaskInput{
		Type: model.TaskRevenue,
		Params: map[string]any{
			"quarter": "2026-Q1",
			"region":  "emea",
			"depth":   float64(3),
			"nested":  map[string]any{"b": float64(2), "a": float64(1)},
		},
	}
	b := model.TaskInput{
		Type: model.TaskRevenue,
		Params: map[string]any{
			"nested":  map[string]any{"a": float64(1), "b": float64(2)},
			"depth":   float64(3),
			"region":  "emea",
			"quarter": "2026-Q1",
		},
	}
	assert.Equal(t, TaskFingerprint(a), TaskFingerprint(b))
}

func TestTaskFingerprintSensitiveToSemanticChanges(t *testing.T) {
	base := model.TaskInput{
		Type:   model.TaskRevenue,
		Params: map[string]any{"quarter": "2026-Q1"},
	}
	fp := TaskFingerprint(base)

	tests := []struct {
		name string
		in   model.TaskInput
	}{
		{"different task type", model.TaskInput{Type: model.TaskTrend, Params: map[string]any{"quarter": "2026-Q1"}}},
		{"different param value", model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "2026-Q2"}}},
		{"extra param", model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "2026-Q1", "region": "apac"}}},
		{"content hash set", model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "2026-Q1"}, ContentHash: "abc"}},
		{"feedback set", model.TaskInput{Type: model.TaskRevenue, Params: map[string]any{"quarter": "2026-Q1"}, Feedback: "add citations"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotEqual(t, fp, TaskFingerprint(tc.in))
		})
	}
}

func TestTaskFingerprintNoFieldBleed(t *testing.T) {
	// Length-prefixed encoding: moving bytes between adjacent fields must
	// change the hash even when the concatenation is identical.
	a := model.TaskInput{Type: model.TaskRevenue, ContentHash: "ab", Feedback: "c"}
	b := model.TaskInput{Type: model.TaskRevenue, ContentHash: "a", Feedback: "bc"}
	assert.NotEqual(t, TaskFingerprint(a), TaskFingerprint(b))
}

func TestCallFingerprint(t *testing.T) {
	fp := CallFingerprint("analyzer-large", "summarize revenue")
	assert.Equal(t, fp, CallFingerprint("analyzer-large", "summarize revenue"))
	assert.NotEqual(t, fp, CallFingerprint("analyzer-small", "summarize revenue"))
	assert.NotEqual(t, fp, CallFingerprint("analyzer-large", "summarize costs"))
}

func TestCanonicalizeScalars(t *testing.T) {
	// Integral float64 (the normal decode of a JSON number) and int collide.
	assert.Equal(t, canonicalize(float64(3)), canonicalize(3))
	assert.NotEqual(t, canonicalize(3.5), canonicalize(3))
	assert.Equal(t, `"x"`, canonicalize("x"))
	assert.Equal(t, "null", canonicalize(nil))
	assert.Equal(t, "true", canonicalize(true))
	assert.Equal(t, `[1,"a"]`, canonicalize([]any{float64(1), "a"}))
}
