package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_EvenSplit(t *testing.T) {
	weights := make([]Money, 10)
	for i := range weights {
		weights[i] = 100_000
	}

	out, err := Allocate(1_060_000, weights)
	require.NoError(t, err)
	for _, v := range out {
		assert.Equal(t, Money(106_000), v)
	}
	assert.Equal(t, Money(1_060_000), Sum(out))
}

func TestAllocate_LargestRemainder(t *testing.T) {
	// 100 split three ways: 33.33 each, one extra minor unit to the first.
	out, err := Allocate(100, []Money{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []Money{34, 33, 33}, out)

	// 10 over weights 1,2,3 -> 1.666, 3.333, 5.0 -> floors 1,3,5 with 1 left for index 0
	out, err = Allocate(10, []Money{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []Money{2, 3, 5}, out)
}

func TestAllocate_ConservesTotal(t *testing.T) {
	weights := []Money{333_333, 250_001, 17, 99_999, 1}
	for _, total := range []Money{0, 1, 7, 683_351, 1_000_003, 9_999_999_999} {
		out, err := Allocate(total, weights)
		require.NoError(t, err)
		assert.Equal(t, total, Sum(out), "total %d", total)
	}
}

func TestAllocate_Errors(t *testing.T) {
	_, err := Allocate(-1, []Money{1})
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = Allocate(10, []Money{0, 0})
	assert.ErrorIs(t, err, ErrZeroWeights)

	out, err := Allocate(0, []Money{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []Money{0, 0}, out)
}

func TestMulDivFloor(t *testing.T) {
	v, err := MulDivFloor(1_000_000, 1_060_000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, Money(1_060_000), v)

	v, err = MulDivFloor(10, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, Money(3), v)

	_, err = MulDivFloor(10, 1, 0)
	assert.ErrorIs(t, err, ErrZeroDivisor)
}

func TestMajor(t *testing.T) {
	assert.Equal(t, "1060.00", Money(106_000).Major())
	assert.Equal(t, "0.05", Money(5).Major())
}
