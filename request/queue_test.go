package request

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(10)
	require.True(t, q.Push(Single{FileID: 1}))
	require.True(t, q.Push(Single{FileID: 2}))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 1, first.FileID)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 2, second.FileID)
}

func TestQueuePushFrontPriority(t *testing.T) {
	q := NewQueue(10)
	require.True(t, q.Push(Single{FileID: 1}))
	require.True(t, q.PushFront(Single{FileID: 99}))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 99, first.FileID)
}

func TestQueueBlocksUntilPush(t *testing.T) {
	q := NewQueue(10)
	var wg sync.WaitGroup
	wg.Add(1)
	var got Single
	var ok bool
	go func() {
		defer wg.Done()
		got, ok = q.Pop()
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, q.Push(Single{FileID: 7}))
	wg.Wait()
	require.True(t, ok)
	assert.EqualValues(t, 7, got.FileID)
}

func TestQueueCloseWakesBlockedPop(t *testing.T) {
	q := NewQueue(10)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Push(Single{FileID: 1}))

	pushed := make(chan bool, 1)
	go func() {
		pushed <- q.Push(Single{FileID: 2})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.Len())

	_, _ = q.Pop()
	select {
	case ok := <-pushed:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("blocked Push did not unblock after Pop")
	}
}
