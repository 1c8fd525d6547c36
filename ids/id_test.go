package ids

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	require := require.New(t)
	id := NewID()
	require.False(id.IsZero())
	parsed, err := ParseHex(id.String())
	require.Nil(err)
	require.Equal(id, parsed)

	_, err = ParseBytes([]byte{1, 2, 3})
	require.NotNil(err)
	_, err = ParseHex("zz")
	require.NotNil(err)
	require.True(Zero.IsZero())
}

func TestScan(t *testing.T) {
	require := require.New(t)
	id := NewID()
	v, err := id.Value()
	require.Nil(err)
	var out ID
	require.Nil(out.Scan(v))
	require.Equal(id, out)
	require.NotNil(out.Scan("nope"))
}

func TestSort(t *testing.T) {
	require := require.New(t)
	a := ID{1}
	b := ID{2}
	list := []ID{b, a}
	sort.Sort(ByLexicographical(list))
	require.Equal([]ID{a, b}, list)
	require.Equal(-1, Compare(a, b))
}
