package fleet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBijectionRoundTrips(t *testing.T) {
	b := NewBijection[[6]byte, string]()
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	require.NoError(t, b.Bind(mac, "10.0.0.5"))

	ip, ok := b.Lookup(mac)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", ip)

	back, ok := b.ReverseLookup("10.0.0.5")
	require.True(t, ok)
	require.Equal(t, mac, back)
}

func TestBijectionRejectsConflictingBind(t *testing.T) {
	b := NewBijection[[6]byte, string]()
	mac1 := [6]byte{1, 2, 3, 4, 5, 6}
	mac2 := [6]byte{6, 5, 4, 3, 2, 1}

	require.NoError(t, b.Bind(mac1, "10.0.0.5"))
	require.Error(t, b.Bind(mac1, "10.0.0.6"))
	require.Error(t, b.Bind(mac2, "10.0.0.5"))
}

func TestBijectionRebindSameValueIsNoop(t *testing.T) {
	b := NewBijection[[6]byte, string]()
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	require.NoError(t, b.Bind(mac, "10.0.0.5"))
	require.NoError(t, b.Bind(mac, "10.0.0.5"))
	require.Equal(t, 1, b.Len())
}

func TestBijectionUnbind(t *testing.T) {
	b := NewBijection[[6]byte, string]()
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	require.NoError(t, b.Bind(mac, "10.0.0.5"))
	b.Unbind(mac)

	_, ok := b.Lookup(mac)
	require.False(t, ok)
	_, ok = b.ReverseLookup("10.0.0.5")
	require.False(t, ok)
	require.Equal(t, 0, b.Len())
}

func tempRegisteredPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "registered.json")
}
