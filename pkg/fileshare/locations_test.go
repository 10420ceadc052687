// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

func TestLocations(t *testing.T) {
	l, err := newLocations(16)
	require.NoError(t, err)

	key := KeyOf([]byte("x"))
	a, b := peer.NewID(), peer.NewID()

	assert.Empty(t, l.holders(key))

	l.add(key, a)
	l.add(key, a)
	l.add(key, b)
	assert.Equal(t, []peer.ID{a, b}, l.holders(key))

	l.remove(key, a)
	assert.Equal(t, []peer.ID{b}, l.holders(key))

	// Removing an unknown holder or key is a no-op.
	l.remove(key, a)
	l.remove(KeyOf([]byte("y")), b)
	assert.Equal(t, []peer.ID{b}, l.holders(key))

	l.remove(key, b)
	assert.Empty(t, l.holders(key))
}

func TestLocationsHoldersIsCopy(t *testing.T) {
	l, err := newLocations(16)
	require.NoError(t, err)

	key := KeyOf([]byte("x"))
	a := peer.NewID()
	l.add(key, a)

	holders := l.holders(key)
	holders[0] = peer.NewID()
	assert.Equal(t, []peer.ID{a}, l.holders(key))
}

func TestLocationsBounded(t *testing.T) {
	l, err := newLocations(2)
	require.NoError(t, err)

	id := peer.NewID()
	k1, k2, k3 := KeyOf([]byte("1")), KeyOf([]byte("2")), KeyOf([]byte("3"))
	l.add(k1, id)
	l.add(k2, id)
	l.add(k3, id)

	assert.Empty(t, l.holders(k1))
	assert.Len(t, l.holders(k3), 1)
}

func TestNewLocationsInvalidSize(t *testing.T) {
	_, err := newLocations(-1)
	assert.Error(t, err)
}
