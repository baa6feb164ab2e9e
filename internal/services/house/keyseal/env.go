package keyseal

import "os"

const (
	EnvKeys      = "TOWN_KEY_SEALING_KEYS"
	EnvKey       = "TOWN_KEY_SEALING_KEY"
	EnvKeyID     = "TOWN_KEY_SEALING_KEY_ID"
	DefaultKeyID = "v1"
)

// KeyringFromEnv loads the sealing keyring from environment variables.
func KeyringFromEnv() (*Keyring, error) {
	return ParseKeyring(os.Getenv(EnvKeys), os.Getenv(EnvKey), os.Getenv(EnvKeyID))
}
