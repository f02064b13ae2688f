package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by every signed venue agent request.
const (
	HeaderKey       = "X-Agent-Key"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderSignature = "X-Agent-Signature"
)

// AgentAuth holds the credentials for HMAC-authenticated requests against a
// venue automation agent.
type AgentAuth struct {
	Key    string // API key identifying the coordinator
	Secret string // shared secret, raw bytes
}

// Headers returns the HTTP headers for an agent request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (a *AgentAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (a *AgentAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       a.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign([]byte(a.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by HeadersAt. Agents and tests use it to
// authenticate the coordinator.
func (a *AgentAuth) Verify(method, path, body, ts, signature string) bool {
	expected := Sign([]byte(a.Secret), ts+method+path+body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes HMAC-SHA256 of message using key and returns the result as a
// base64 standard-encoded string.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (a *AgentAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("AgentAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
