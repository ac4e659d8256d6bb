package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New[string](4)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()

	b.Publish("created")
	assert.Equal(t, "created", <-a)
	assert.Equal(t, "created", <-c)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open, "unsubscribed channel must be closed")

	b.Publish("destroyed")
	assert.Equal(t, "destroyed", <-c)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New[int](1)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(1)
	b.Publish(2) // dropped, buffer full
	require.Len(t, ch, 1)
	assert.Equal(t, 1, <-ch)
}

func TestClose(t *testing.T) {
	b := New[int](0)
	ch, unsub := b.Subscribe()
	b.Close()
	b.Close()
	_, open := <-ch
	assert.False(t, open)
	unsub()

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
	b.Publish(1)
}
