package coin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoin_SafeAdd(t *testing.T) {
	c := New(100)
	require.Nil(t, c.SafeAdd(23))
	require.Equal(t, uint64(123), c.Value)

	c = New(math.MaxUint64)
	require.NotNil(t, c.SafeAdd(1))
	require.Equal(t, uint64(math.MaxUint64), c.Value)
}

func TestCoin_SafeSub(t *testing.T) {
	c := New(100)
	require.Nil(t, c.SafeSub(100))
	require.True(t, c.IsZero())
	require.NotNil(t, c.SafeSub(1))
}
