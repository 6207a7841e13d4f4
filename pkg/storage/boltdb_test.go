package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openState(t *testing.T) *State {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCursorRoundTrip(t *testing.T) {
	s := openState(t)

	offset, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	require.NoError(t, s.SaveCursor(123456))

	offset, err = s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(123456), offset)
}

func TestLastReboot(t *testing.T) {
	s := openState(t)

	at, err := s.LastReboot("alpha")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.SetLastReboot("alpha", now))

	at, err = s.LastReboot("alpha")
	require.NoError(t, err)
	assert.True(t, at.Equal(now))

	// other nodes unaffected
	at, err = s.LastReboot("beta")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveCursor(7))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	offset, err := s2.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(7), offset)
}
