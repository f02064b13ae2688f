package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbexec/internal/crypto"
)

func TestEncryptSecret_RoundTrip(t *testing.T) {
	var out bytes.Buffer
	err := encryptSecret([]string{"-password", "hunter2"}, strings.NewReader("  s3cr3t\n"), &out)
	require.NoError(t, err)

	plain, err := crypto.DecryptSecret(bytes.TrimSpace(out.Bytes()), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", plain)
}

func TestEncryptSecret_Rejects(t *testing.T) {
	t.Setenv("ARBEXEC_SECRET_PASSWORD", "")
	var out bytes.Buffer
	assert.Error(t, encryptSecret(nil, strings.NewReader("x"), &out))
	assert.Error(t, encryptSecret([]string{"-password", "p"}, strings.NewReader("   "), &out))
}
