package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueCodec(t *testing.T) {
	ts := time.Date(2024, 2, 29, 23, 59, 59, 123456789, time.UTC)
	values := []any{"x", int64(-3), 2.25, true, ts, []any{"a", int64(1), ts}}
	for _, v := range values {
		enc, err := EncodeValue(v)
		require.NoError(t, err)
		got, err := DecodeValue(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	enc, err := EncodeValue(7)
	require.NoError(t, err)
	assert.Equal(t, TypedValue{K: KindInt, V: "7"}, enc)

	_, err = DecodeValue(TypedValue{K: "?", V: ""})
	assert.Error(t, err)
}

func TestPropsCodec(t *testing.T) {
	props, err := DecodeProps(`{}`)
	require.NoError(t, err)
	assert.Empty(t, props)

	s, err := EncodeProps(Properties{"qualifier": "item", "n": 2})
	require.NoError(t, err)
	props, err = DecodeProps(s)
	require.NoError(t, err)
	assert.Equal(t, Properties{"qualifier": "item", "n": int64(2)}, props)
}

func TestCellCodec(t *testing.T) {
	tests := []struct {
		in   any
		cell string
		want any
	}{
		{"Smith, John", "Smith, John", "Smith, John"},
		{[]any{"i1", int64(2)}, `["i1","2"]`, []any{"i1", "2"}},
		{[]string{"a, b", "c"}, `["a, b","c"]`, []any{"a, b", "c"}},
		{"[vip]", `"[vip]"`, "[vip]"},
		{`"quoted"`, `"\"quoted\""`, `"quoted"`},
		{int64(12), "12", "12"},
	}
	for _, tt := range tests {
		cell, err := EncodeCell(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.cell, cell)
		got, err := DecodeCell(cell)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := DecodeCell("[not json")
	assert.Error(t, err)
}
