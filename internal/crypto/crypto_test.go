package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentAuth_SignAndVerify(t *testing.T) {
	a := &AgentAuth{Key: "coord-1", Secret: "s3cret"}
	h := a.HeadersAt("POST", "/v1/submit", `{"leg_id":"x"}`, 1700000000)

	assert.Equal(t, "coord-1", h[HeaderKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.True(t, a.Verify("POST", "/v1/submit", `{"leg_id":"x"}`, "1700000000", h[HeaderSignature]))
	assert.False(t, a.Verify("POST", "/v1/submit", `{"leg_id":"y"}`, "1700000000", h[HeaderSignature]))
	assert.NotContains(t, a.String(), "s3cret")
}

func TestSecret_EncryptDecrypt(t *testing.T) {
	blob, err := EncryptSecret("agent-secret", "pw")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "agent-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadSecret(SecretConfig{})
	assert.Error(t, err)
}
