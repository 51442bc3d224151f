/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	b := New[int](3)
	_, ok := b.Last()
	require.False(t, ok)
	require.Empty(t, b.Items())

	b.Push(1)
	b.Push(2)
	require.Equal(t, []int{1, 2}, b.Items())

	b.Push(3)
	b.Push(4)
	b.Push(5)
	require.Equal(t, 3, b.Len())
	require.Equal(t, 3, b.Cap())
	require.Equal(t, []int{3, 4, 5}, b.Items())
	last, ok := b.Last()
	require.True(t, ok)
	require.Equal(t, 5, last)
}

func TestBuffer_Bounded(t *testing.T) {
	b := New[float64](1000)
	for i := 0; i < 10000; i++ {
		b.Push(float64(i))
		require.LessOrEqual(t, b.Len(), 1000)
	}
	items := b.Items()
	require.Len(t, items, 1000)
	require.Equal(t, float64(9000), items[0])
	require.Equal(t, float64(9999), items[999])
}
