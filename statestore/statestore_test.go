package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemStoreCurrentBlockReturnsIndependentCopy(t *testing.T) {
	store := NewMemStore(&Block{SequenceNumber: 1})

	first := store.CurrentBlock()
	first.SequenceNumber = 99

	second := store.CurrentBlock()
	assert.Equal(t, int64(1), second.SequenceNumber)
}

func TestMemStoreSaveBlockReplacesCurrent(t *testing.T) {
	store := NewMemStore(&Block{SequenceNumber: 1})
	store.SaveBlock(&Block{SequenceNumber: 2})

	assert.Equal(t, int64(2), store.CurrentBlock().SequenceNumber)
}

func TestMemStoreApplyTransactionAlwaysAccepts(t *testing.T) {
	store := NewMemStore(nil)
	assert.True(t, store.ApplyTransaction(store.CurrentBlock(), Transaction{SequenceNumber: 1}))
}

func TestNewMemStoreDefaultsToEmptyBlock(t *testing.T) {
	store := NewMemStore(nil)
	assert.Equal(t, &Block{}, store.CurrentBlock())
}
