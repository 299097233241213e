package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	key := []byte("requestor-public-key")

	t.Run("Parses As UUID", func(t *testing.T) {
		id := GenerateID(key)
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	})

	t.Run("Unique Per Call", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := GenerateID(key)
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	})

	t.Run("Belongs To Its Key", func(t *testing.T) {
		id := GenerateID(key)
		assert.True(t, Belongs(id, key))
	})

	t.Run("Does Not Belong To Another Key", func(t *testing.T) {
		id := GenerateID(key)
		assert.False(t, Belongs(id, []byte("some-other-key")))
	})
}

func TestBelongs(t *testing.T) {
	t.Run("Malformed ID", func(t *testing.T) {
		assert.False(t, Belongs("not-a-uuid", []byte("key")))
	})

	t.Run("Empty ID", func(t *testing.T) {
		assert.False(t, Belongs("", []byte("key")))
	})
}

func TestNodeID(t *testing.T) {
	key := []byte("requestor-public-key")

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, NodeID(key), NodeID(key))
	})

	t.Run("Distinct Keys Distinct Nodes", func(t *testing.T) {
		assert.NotEqual(t, NodeID(key), NodeID([]byte("another-key")))
	})

	t.Run("Twelve Hex Chars", func(t *testing.T) {
		assert.Len(t, NodeID(key), nodeSize*2)
	})
}
