package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

// SecretString holds a credential (gateway key secret, webhook secret,
// database URL). Its fmt, JSON and slog renderings are redacted; Unmask
// returns the plaintext.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// LogValue keeps secrets out of structured logs.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a value was provided.
func (s SecretString) IsSet() bool {
	return s != ""
}
