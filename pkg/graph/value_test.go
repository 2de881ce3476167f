package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStringify(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.FixedZone("CET", 3600))
	tests := []struct {
		in   any
		want string
	}{
		{"abc", "abc"},
		{1, "1"},
		{int64(1), "1"},
		{float64(1), "1"},
		{1.5, "1.5"},
		{json.Number("42"), "42"},
		{true, "true"},
		{nil, ""},
		{ts, "2024-05-06T06:08:09Z"},
		{[]any{"a", int64(2)}, "a,2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stringify(tt.in), "%#v", tt.in)
	}
}

func TestValues(t *testing.T) {
	assert.Nil(t, Values(nil))
	assert.Nil(t, Values(""))
	assert.Equal(t, []any{"o1"}, Values("o1"))
	assert.Equal(t, []any{"o1", "o2"}, Values([]any{"o1", "", "o2"}))
	assert.Equal(t, []any{"a"}, Values([]string{"a", ""}))
	assert.Equal(t, []any{int64(3)}, Values(int64(3)))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, int64(3), NormalizeValue(3))
	assert.Equal(t, int64(3), NormalizeValue(json.Number("3")))
	assert.Equal(t, 3.25, NormalizeValue(json.Number("3.25")))
	assert.Equal(t, []any{"a", "b"}, NormalizeValue([]string{"a", "b"}))
	assert.Equal(t, `{"k":1}`, NormalizeValue(map[string]any{"k": 1}))
}

func TestAsTime(t *testing.T) {
	want := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	got, ok := AsTime("2023-01-02T03:04:05Z")
	assert.True(t, ok)
	assert.True(t, want.Equal(got))

	got, ok = AsTime(want)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = AsTime("yesterday")
	assert.False(t, ok)
	_, ok = AsTime(int64(5))
	assert.False(t, ok)
}

func TestIsTemporal(t *testing.T) {
	for _, c := range []string{"time", "timestamp", "start", "end", "Time"} {
		assert.True(t, IsTemporal(c), c)
	}
	assert.False(t, IsTemporal("duration"))
}

func TestDFType(t *testing.T) {
	assert.Equal(t, "DF_Supplier_Order", DFType("Supplier Order"))
	assert.Equal(t, "DF_Item", DFType("Item"))
	assert.Equal(t, "DF_a_b", DFType("a-b"))
	assert.True(t, IsDFType("DF"))
	assert.True(t, IsDFType("DF_Item"))
	assert.False(t, IsDFType("DFX"))
	assert.False(t, IsDFType("CORR"))
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("EntityAttribute"))
	assert.True(t, ValidIdentifier("_x1"))
	assert.False(t, ValidIdentifier("1x"))
	assert.False(t, ValidIdentifier("a b"))
	assert.False(t, ValidIdentifier(""))
	assert.Error(t, CheckIdentifiers("ok", "not ok"))
	assert.Equal(t, "`a``b`", Quote("a`b"))
}
