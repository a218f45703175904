package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString keeps provider credentials out of logs and serialized
// config dumps. String and MarshalJSON return a placeholder.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString keeps %#v redacted as well.
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value for building Authorization headers and DSNs.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a non-empty value is present.
func (s SecretString) IsSet() bool {
	return s != ""
}
