package credsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/dberr"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put("/projects/alpha.qpd", "s3cret"))
	got, err := s.Get("/projects/alpha.qpd")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestGetMissIsNotFound(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.Get("/projects/unknown.qpd")
	assert.True(t, dberr.IsNotFound(err))
	assert.False(t, s.Has("/projects/unknown.qpd"))
}

func TestKeysAreCaseInsensitive(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put("C:/Projects/Alpha.qpd", "pw"))
	got, err := s.Get("c:/projects/alpha.qpd")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)
}

func TestPutReplacesExisting(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put("key", "old"))
	require.NoError(t, s.Put("key", "new"))
	got, err := s.Get("key")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestEmptyKeyRejected(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	assert.True(t, dberr.IsValidation(s.Put("", "pw")))
}

func TestDeleteAndClear(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	require.NoError(t, s.Put("a", "1"))
	require.NoError(t, s.Put("b", "2"))

	s.Delete("a")
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	s.Delete("a") // deleting again is fine

	s.Clear()
	assert.False(t, s.Has("b"))
}

func TestSecretsNotStoredInPlaintext(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	secret := "hunter2-hunter2-hunter2"
	require.NoError(t, s.Put("key", secret))

	for _, e := range s.entries {
		assert.NotContains(t, string(e.box), secret)
	}
}

func TestStoresAreIndependentlyKeyed(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	require.NoError(t, a.Put("key", "pw"))
	require.NoError(t, b.Put("key", "pw"))

	ea := a.entries[normKey("key")]
	eb := b.entries[normKey("key")]
	assert.NotEqual(t, ea.box, eb.box, "per-process random keys and nonces differ")
}
