package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeniedKeysDropped(t *testing.T) {
	r := New(MaxStrLenLog, "publish")

	out := r.Walk(map[string]interface{}{
		"prompt":  "summarize my inbox",
		"token":   "sk-very-secret",
		"user_id": "u-1",
	})

	assert.NotContains(t, out, "prompt")
	assert.NotContains(t, out, "token")
	assert.Equal(t, "u-1", out["user_id"])
	assert.Equal(t, int64(2), r.Stats()["denied_key_dropped"])
}

func TestDeniedKeysDroppedRecursively(t *testing.T) {
	r := New(MaxStrLenLog, "publish")

	out := r.Walk(map[string]interface{}{
		"meta": map[string]interface{}{
			"authorization": "Bearer abc",
			"route":         "/chat",
		},
		"items": []interface{}{
			map[string]interface{}{"api_key": "k", "name": "ok"},
		},
	})

	meta := out["meta"].(map[string]interface{})
	assert.NotContains(t, meta, "authorization")
	assert.Equal(t, "/chat", meta["route"])

	item := out["items"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, item, "api_key")
	assert.Equal(t, "ok", item["name"])
}

func TestLongStringsBecomeHashAndLength(t *testing.T) {
	r := New(MaxStrLenGraph, "graph")

	long := strings.Repeat("x", MaxStrLenGraph+1)
	out := r.Walk(map[string]interface{}{"reply": long})

	red, ok := out["reply"].(map[string]interface{})
	require.True(t, ok, "over-long string should be replaced with metadata")
	assert.Equal(t, true, red["_redacted"])
	assert.Equal(t, HashString(long), red["hash"])
	assert.Equal(t, len(long), red["len"])
}

func TestShortStringsPassThrough(t *testing.T) {
	r := New(MaxStrLenGraph, "graph")

	exact := strings.Repeat("y", MaxStrLenGraph)
	out := r.Walk(map[string]interface{}{
		"reply":   exact,
		"count":   3,
		"enabled": true,
		"nothing": nil,
	})

	assert.Equal(t, exact, out["reply"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, true, out["enabled"])
	assert.Nil(t, out["nothing"])
	assert.Equal(t, int64(0), r.Stats()["string_truncated"])
}

func TestWalkDoesNotMutateInput(t *testing.T) {
	r := New(8, "publish")

	in := map[string]interface{}{"reply": "way too long for the cap"}
	_ = r.Walk(in)

	assert.Equal(t, "way too long for the cap", in["reply"])
}

func TestNilPayload(t *testing.T) {
	r := New(0, "publish")
	assert.Nil(t, r.Walk(nil))
	assert.Equal(t, MaxStrLenGraph, r.MaxStrLen)
}

func TestHashStringIsStable(t *testing.T) {
	assert.Equal(t, HashString("hello"), HashString("hello"))
	assert.NotEqual(t, HashString("hello"), HashString("hello!"))
	assert.Len(t, HashString("hello"), 64)
}
