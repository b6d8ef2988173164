package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	data := []byte("payload")
	sig, err := Sign(key, data)
	require.NoError(t, err)
	assert.NoError(t, Verify(&key.PublicKey, data, sig))
	assert.Error(t, Verify(&key.PublicKey, []byte("tampered"), sig))
}

func TestPEMRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	parsed, err := ParsePrivateKeyPEM(string(EncodePrivateKeyPEM(key)))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParsePrivateKeyPEM("not a key")
	assert.Error(t, err)
	_, err = ParsePublicKeyPEM("not a key")
	assert.Error(t, err)
}

func TestLoadOrGenerateInstanceKey(t *testing.T) {
	dir := t.TempDir()

	key, err := LoadOrGenerateInstanceKey(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, InstanceKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second load returns the same key, not a new one.
	again, err := LoadOrGenerateInstanceKey(dir)
	require.NoError(t, err)
	assert.True(t, key.Equal(again))
}

func TestFingerprint(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pem1, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	fp1, err := Fingerprint(pem1)
	require.NoError(t, err)
	fp2, err := Fingerprint(pem1)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pem2, err := EncodePublicKeyPEM(&other.PublicKey)
	require.NoError(t, err)
	fp3, err := Fingerprint(pem2)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}
