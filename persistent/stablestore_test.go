package persistent_test

import (
	"testing"

	"github.com/raftkit/raftkit/persistent"
	"github.com/stretchr/testify/assert"
)

func TestStableStore_Defaults(t *testing.T) {
	t.Cleanup(cleanupDbFiles)
	store, err := persistent.NewStableStore("state.db")
	assert.NoError(t, err)
	defer store.Close()

	term, err := store.GetTerm()
	assert.NoError(t, err)
	assert.Equal(t, int64(0), term)
	votedFor, err := store.GetVotedFor()
	assert.NoError(t, err)
	assert.Equal(t, "", votedFor)
}

func TestStableStore_SetAndReopen(t *testing.T) {
	t.Cleanup(cleanupDbFiles)
	store, err := persistent.NewStableStore("state.db")
	assert.NoError(t, err)

	assert.NoError(t, store.SetTermAndVotedFor(7, "10.0.0.1:8000:0"))
	term, err := store.GetTerm()
	assert.NoError(t, err)
	assert.Equal(t, int64(7), term)
	votedFor, err := store.GetVotedFor()
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8000:0", votedFor)

	assert.NoError(t, store.SetVotedFor(""))
	votedFor, err = store.GetVotedFor()
	assert.NoError(t, err)
	assert.Equal(t, "", votedFor)

	assert.NoError(t, store.SetTermAndVotedFor(9, "10.0.0.2:8000:0"))
	assert.NoError(t, store.Close())

	store, err = persistent.NewStableStore("state.db")
	assert.NoError(t, err)
	defer store.Close()
	term, err = store.GetTerm()
	assert.NoError(t, err)
	assert.Equal(t, int64(9), term)
	votedFor, err = store.GetVotedFor()
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8000:0", votedFor)
}
