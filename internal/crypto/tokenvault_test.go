package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIterations = 1000

func TestEncryptDecryptToken(t *testing.T) {
	sealed, err := encryptToken("  feed-token-123 ", "hunter2", testIterations)
	require.NoError(t, err)

	var st sealedToken
	require.NoError(t, json.Unmarshal(sealed, &st))
	assert.Equal(t, currentVersion, st.Version)
	assert.Equal(t, testIterations, st.Iterations)
	assert.NotContains(t, string(sealed), "feed-token-123")

	got, err := DecryptToken(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "feed-token-123", got)

	_, err = DecryptToken(sealed, "wrong")
	require.ErrorContains(t, err, "wrong password")
}

func TestEncryptTokenRejectsEmpty(t *testing.T) {
	_, err := encryptToken("tok", "", testIterations)
	require.Error(t, err)
	_, err = encryptToken("  ", "pw", testIterations)
	require.Error(t, err)
}

func TestDecryptTokenBadInput(t *testing.T) {
	_, err := DecryptToken([]byte("{"), "pw")
	require.ErrorContains(t, err, "parsing")

	_, err = DecryptToken([]byte(`{"version":9}`), "pw")
	require.ErrorContains(t, err, "unsupported version")

	_, err = DecryptToken([]byte(`{"version":1,"salt":"!!"}`), "pw")
	require.ErrorContains(t, err, "salt")
}

func TestLoadToken(t *testing.T) {
	got, err := LoadToken(TokenConfig{RawToken: " raw ", EncryptedPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	got, err = LoadToken(TokenConfig{})
	require.NoError(t, err)
	assert.Empty(t, got)

	sealed, err := encryptToken("from-file", "pw", testIterations)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	got, err = LoadToken(TokenConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadToken(TokenConfig{EncryptedPath: filepath.Join(t.TempDir(), "missing.json"), Password: "pw"})
	require.ErrorContains(t, err, "reading token file")
}
