package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Passphrase the credential key is derived from. Must be set in any
	// deployment that stores live API credentials.
	CredentialsPassphrase string `envconfig:"EXCHANGE_CREDENTIALS_PASSPHRASE" default:"dev-only-passphrase"`
	CredentialsSalt       string `envconfig:"EXCHANGE_CREDENTIALS_SALT" default:"tradeengine-credentials"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
