package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	store := NewStore(keyring.NewArrayKeyring(nil))

	_, err := store.Get(Key("imap", "jane@x.org"))
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Set(Key("imap", "jane@x.org"), "secret"))
	require.NoError(t, store.Set(Key("smtp", "jane@x.org"), "other"))

	value, err := store.Get(Key("imap", "jane@x.org"))
	require.NoError(t, err)
	assert.Equal(t, "secret", value)

	value, err = store.Get(Key("smtp", "jane@x.org"))
	require.NoError(t, err)
	assert.Equal(t, "other", value)

	require.NoError(t, store.Delete(Key("imap", "jane@x.org")))
	_, err = store.Get(Key("imap", "jane@x.org"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "smtp:jane", Key("smtp", "jane"))
}
