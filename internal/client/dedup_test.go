package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenSetEvictsOldestBatch(t *testing.T) {
	s := NewSeenSet(200, 50)
	for i := 0; i < 200; i++ {
		s.Remember(fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, 200, s.Len())

	// Refresh m0 so it survives the eviction
	assert.True(t, s.Seen("m0"))

	s.Remember("m200")
	assert.Equal(t, 151, s.Len())
	assert.True(t, s.Seen("m0"))
	assert.True(t, s.Seen("m200"))
	assert.False(t, s.Seen("m1"))
	assert.False(t, s.Seen("m50"))
	assert.True(t, s.Seen("m51"))
}

func TestDedup(t *testing.T) {
	d := NewDedup()

	assert.False(t, d.Duplicate("A", "m1", "hello"))
	assert.True(t, d.Duplicate("A", "m1", "hello"), "same id")
	assert.True(t, d.Duplicate("A", "m2", "hello"), "same text as the previous message from A")
	assert.False(t, d.Duplicate("B", "m3", "hello"), "other senders are tracked separately")
	assert.False(t, d.Duplicate("A", "m4", "bye"))
	assert.False(t, d.Duplicate("A", "m5", "hello"), "text only matches the immediately preceding message")
	assert.False(t, d.Duplicate("A", "", "no id"))
	assert.True(t, d.Duplicate("A", "", "no id"))
}
