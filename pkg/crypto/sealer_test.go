package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded"}`)
	sealed, err := s.Encrypt(payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, s.KeyID()+":"))
	assert.NotContains(t, sealed, "evt_1")

	opened, err := s.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestSealerNonceIsRandom(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	a, err := s.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := s.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealerRejectsOtherKey(t *testing.T) {
	s1, err := NewSealer(testKey)
	require.NoError(t, err)
	s2, err := NewSealer("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	sealed, err := s1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = s2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = s.Decrypt(sealed[:len(sealed)-4] + "AAAA")
	assert.Error(t, err)

	_, err = s.Decrypt("no-separator")
	assert.Error(t, err)
}

func TestNewSealerKeyLength(t *testing.T) {
	_, err := NewSealer("short")
	assert.Error(t, err)
}
