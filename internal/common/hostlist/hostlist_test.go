package hostlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	tests := map[string][]string{
		"tux0":            {"tux0"},
		"tux[0-3]":        {"tux0", "tux1", "tux2", "tux3"},
		"tux[0-2,5]":      {"tux0", "tux1", "tux2", "tux5"},
		"tux[08-10]":      {"tux08", "tux09", "tux10"},
		"a[1-2],b3,c":     {"a1", "a2", "b3", "c"},
		"n[0-1]s,m[4-5]":  {"n0s", "n1s", "m4", "m5"},
		"":                nil,
	}
	for expr, want := range tests {
		got, err := Expand(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestExpandErrors(t *testing.T) {
	for _, expr := range []string{"tux[3-1]", "tux[x]", "tux]0["} {
		_, err := Expand(expr)
		assert.Error(t, err, expr)
	}
}

func TestRangedString(t *testing.T) {
	h := New()
	for _, name := range []string{"tux0", "tux1", "tux2", "tux5", "login"} {
		h.Push(name)
	}
	assert.Equal(t, "tux[0-2,5],login", h.RangedString())
	assert.Equal(t, 5, h.Count())
}

func TestRangedStringSingle(t *testing.T) {
	h := New()
	h.Push("tux7")
	assert.Equal(t, "tux7", h.RangedString())
}

func TestRoundTrip(t *testing.T) {
	names, err := Expand("tux[0-15,18]")
	require.NoError(t, err)
	h := New()
	for _, n := range names {
		h.Push(n)
	}
	assert.Equal(t, "tux[0-15,18]", h.RangedString())
}
