package namecipher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := New("checkin-system-2024")
	require.NoError(t, err)

	for _, name := range []string{"Alice Johnson", "Bob Smith", "Élodie Ångström", ""} {
		enc := c.Encrypt(name)
		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, name, dec)
	}
}

func TestEncryptIsNotIdentity(t *testing.T) {
	c, err := New("checkin-system-2024")
	require.NoError(t, err)

	enc := c.Encrypt("Carol Davis")
	assert.NotEqual(t, "Carol Davis", enc)
	assert.NotContains(t, enc, "Carol")
}

func TestDecryptRejectsInvalidBase64(t *testing.T) {
	c, err := New("k")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!")
	assert.Error(t, err)
}

func TestDecryptOrRawFallsBackToStoredValue(t *testing.T) {
	c, err := New("checkin-system-2024")
	require.NoError(t, err)

	// Legacy rows hold plain text; display must not mangle them.
	assert.Equal(t, "David Wilson!", c.DecryptOrRaw("David Wilson!"))

	enc := c.Encrypt("Emma Brown")
	assert.Equal(t, "Emma Brown", c.DecryptOrRaw(enc))
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestKeyShorterThanInputRepeats(t *testing.T) {
	c, err := New("ab")
	require.NoError(t, err)

	dec, err := c.Decrypt(c.Encrypt("a longer plaintext than the key"))
	require.NoError(t, err)
	assert.Equal(t, "a longer plaintext than the key", dec)
}
