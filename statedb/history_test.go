package statedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryPurge(t *testing.T) {
	cases := []struct {
		name string
		h    History
		n    uint64
		want History
	}{
		{"empty", History{}, 3, History{}},
		{"all before", History{1, 2, 3}, 3, History{1, 2, 3}},
		{"all after", History{4, 5}, 3, History{}},
		{"cut", History{1, 3, 5, 7}, 4, History{1, 3}},
		{"cut on entry", History{1, 3, 5, 7}, 5, History{1, 3, 5}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, []uint64(c.want), []uint64(c.h.Purge(c.n)))
		})
	}
}

func TestHistoryLastAtOrBefore(t *testing.T) {
	h := History{2, 5, 9}
	_, ok := h.LastAtOrBefore(1)
	assert.False(t, ok)

	b, ok := h.LastAtOrBefore(5)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), b)

	b, _ = h.LastAtOrBefore(8)
	assert.Equal(t, uint64(5), b)

	b, _ = h.LastAtOrBefore(100)
	assert.Equal(t, uint64(9), b)
}

func TestHistoryAppendDropsStaleTail(t *testing.T) {
	h := History{1, 4, 6}
	assert.Equal(t, []uint64{1, 4, 5}, []uint64(h.Append(5)))
	assert.Equal(t, []uint64{1, 4, 6, 7}, []uint64(h.Append(7)))
	// source untouched
	assert.Equal(t, []uint64{1, 4, 6}, []uint64(h))
}

func TestHistoryEncoding(t *testing.T) {
	h := History{1, 2, 300}
	got, err := decodeHistory(h.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = decodeHistory([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorruptedState)

	_, err = decodeHistory(History{3, 2}.Bytes())
	assert.ErrorIs(t, err, ErrCorruptedState)
}

func TestMergeIdxs(t *testing.T) {
	assert.Equal(t, []uint64{1, 3, 4, 9}, mergeIdxs([]uint64{3, 9}, 4, 1, 3))
}
