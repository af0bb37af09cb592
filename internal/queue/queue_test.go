package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_PushPop(t *testing.T) {
	q := NewFIFO[int](4)
	assert.Equal(t, 0, q.Len())

	q.Push(1)
	q.Push(2)
	q.Push(3)
	require.Equal(t, 3, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = q.Pop()
	assert.False(t, ok, "pop on empty queue should report false")
}

func TestFIFO_Peek(t *testing.T) {
	q := NewFIFO[string](0)

	_, ok := q.Peek()
	assert.False(t, ok)

	q.Push("a")
	q.Push("b")

	v, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 2, q.Len(), "peek must not remove the item")
}

func TestFIFO_Reset(t *testing.T) {
	q := NewFIFO[int](2)
	q.Push(10)
	q.Push(20)

	q.Reset()
	assert.Equal(t, 0, q.Len())

	_, ok := q.Pop()
	assert.False(t, ok)

	// Queue is reusable after Reset.
	q.Push(30)
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 30, v)
}
