package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	box, err := NewBox(randomKey(t))
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("super-secret-session"))
	require.NoError(t, err)

	plaintext, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "super-secret-session", string(plaintext))
}

func TestOpen_WrongKeyFails(t *testing.T) {
	box1, err := NewBox(randomKey(t))
	require.NoError(t, err)
	box2, err := NewBox(randomKey(t))
	require.NoError(t, err)

	sealed, err := box1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = box2.Open(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNewBox_InvalidKeyLength(t *testing.T) {
	_, err := NewBox(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestMaterial_NeverLeaksViaString(t *testing.T) {
	m := WrapMaterial([]byte("raw-session-bytes"))
	require.Equal(t, "***", m.String())
	text, err := m.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "***", string(text))
	require.Equal(t, []byte("raw-session-bytes"), m.Reveal())
}

func TestMaterial_Scrub(t *testing.T) {
	m := WrapMaterial([]byte("raw-session-bytes"))
	m.Scrub()
	require.Nil(t, m.Reveal())
}
