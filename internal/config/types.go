package config

import "time"

type Config struct {
	Bot     BotConfig
	API     APIConfig
	Catalog CatalogConfig

	DBPath  string
	TempDir string

	PendingPhotoCap int
	RequestTimeout  time.Duration
}

type BotConfig struct {
	Provider string
	Token    string
}

type APIConfig struct {
	Key     string
	BaseURL string
}

type CatalogConfig struct {
	Keywords  []string
	Allowlist []string

	// FallbackFile optionally points at a YAML list of models used
	// when the remote catalog cannot be fetched.
	FallbackFile string
}
