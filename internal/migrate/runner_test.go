package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_SortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0010_later_up.sql":    {Data: []byte("SELECT 1")},
		"0002_second_up.sql":   {Data: []byte("SELECT 1")},
		"0002_second_down.sql": {Data: []byte("SELECT 1")},
		"readme.md":            {Data: []byte("x")},
		"abc_up.sql":           {Data: []byte("SELECT 1")},
		"nested/0001_a_up.sql": {Data: []byte("SELECT 1")},
	}
	ms, err := Discover(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []int64{1, 2, 10}, []int64{ms[0].Version, ms[1].Version, ms[2].Version})
	assert.Equal(t, "nested/0001_a_up.sql", ms[0].Path)
}

func TestDiscover_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a_up.sql": {Data: []byte("SELECT 1")},
		"0001_b_up.sql": {Data: []byte("SELECT 1")},
	}
	_, err := Discover(fsys)
	require.Error(t, err)
}

func TestEmbedded_ContainsSchema(t *testing.T) {
	ms, err := Discover(Embedded())
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, int64(1), ms[0].Version)
	assert.Equal(t, int64(2), ms[1].Version)
}

func TestUp_NoSource(t *testing.T) {
	_, err := Runner{}.Up(context.Background(), nil)
	require.Error(t, err)
}
