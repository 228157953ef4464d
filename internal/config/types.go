package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// redacted replaces secret values in every marshaled or printed form.
const redacted = "[REDACTED]"

// Duration is a time.Duration that unmarshals from Go duration strings
// ("30s", "1h30m") in YAML files and MENDD_ env vars. Negative values
// are rejected; every timeout, backoff, and cooldown in the config is a
// wait, and a negative wait is always a typo.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler. koanf's decode
// hooks route both YAML scalars and env var strings through here.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON emits the duration as a string ("1m30s"), matching the
// form the status API and state files use. Unmarshal goes through
// UnmarshalText, keeping the negative-value guard on the JSON path too.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Secret holds a credential (API keys, tokens) that must never appear
// in logs, state files, or API responses. Every marshal and print path
// emits a placeholder; only Value() yields the real string.
type Secret string

// Value returns the actual secret. Callers are expected to pass it
// straight to the consuming client, never to format it.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

// String implements fmt.Stringer, so %v and %s print the placeholder.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString closes the %#v leak path that Stringer alone leaves open.
func (s Secret) GoString() string {
	return "Secret(" + redacted + ")"
}

// MarshalJSON emits the placeholder, also when the Secret sits inside
// a larger struct being serialized.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal(redacted)
}

// MarshalText implements encoding.TextMarshaler with the placeholder.
func (s Secret) MarshalText() ([]byte, error) {
	if s == "" {
		return []byte(""), nil
	}
	return []byte(redacted), nil
}

// UnmarshalText accepts the raw secret; config sources hold real values.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// UnmarshalJSON accepts the raw secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}
