package adapter

import (
	"log/slog"
	"strings"
)

const (
	credentialPrefix    = "sk-ant-"
	minCredentialLength = 21
)

// Credential is an API key that never renders its value in logs or output.
type Credential string

func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[REDACTED]"
}

// LogValue keeps the key out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Reveal returns the raw key for use in request headers.
func (c Credential) Reveal() string {
	return string(c)
}

// CheckCredentialFormat verifies the local shape of a key. A well-formed key
// may still be rejected by the API; only Verify proves authorization.
func CheckCredentialFormat(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Error{Kind: KindCredentialFormat, Message: "API key must not be empty"}
	}
	if !strings.HasPrefix(key, credentialPrefix) || len(key) < minCredentialLength {
		return &Error{Kind: KindCredentialFormat, Message: "API key format is invalid (expected " + credentialPrefix + "...)"}
	}
	return nil
}
