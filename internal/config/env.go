package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "GCS_GO_CONFIG"
	EnvEndpoint  = "GCS_GO_ENDPOINT"
	EnvTokenFile = "GCS_GO_TOKEN_FILE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // GCS_GO_CONFIG: override config file path
	Endpoint   string // GCS_GO_ENDPOINT: service root, e.g. a local emulator
	TokenFile  string // GCS_GO_TOKEN_FILE: credential file
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Endpoint:   os.Getenv(EnvEndpoint),
		TokenFile:  os.Getenv(EnvTokenFile),
	}
}
