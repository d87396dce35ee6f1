package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	defaultKeywords = "image,nano-banana,banana"

	// DefaultPendingPhotoCap bounds the per-user pending photo buffer.
	// Telegram albums carry at most 10 photos, so a full album always
	// fits without eviction.
	DefaultPendingPhotoCap = 10
)

func Load() (*Config, error) {
	botConfig, err := loadBotConfig()
	if err != nil {
		return nil, err
	}

	apiConfig, err := loadAPIConfig()
	if err != nil {
		return nil, err
	}

	dbPath := firstEnv("DATABASE_PATH", "SQLITE_PATH")
	if dbPath == "" {
		dbPath = "magritte.db"
	}

	tempDir := firstEnv("TEMP_DIR", "TMP_DIR")
	if tempDir == "" {
		tempDir = "tmp"
	}

	return &Config{
		Bot:             botConfig,
		API:             apiConfig,
		Catalog:         loadCatalogConfig(),
		DBPath:          dbPath,
		TempDir:         tempDir,
		PendingPhotoCap: intEnv("PENDING_PHOTO_CAP", DefaultPendingPhotoCap),
		RequestTimeout:  time.Duration(intEnv("REQUEST_TIMEOUT", 120)) * time.Second,
	}, nil
}

func loadBotConfig() (BotConfig, error) {
	provider := os.Getenv("BOT_PROVIDER")
	if provider == "" {
		provider = "telegram"
	}

	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		return BotConfig{}, fmt.Errorf("BOT_TOKEN is not set")
	}

	return BotConfig{Provider: provider, Token: token}, nil
}

func loadAPIConfig() (APIConfig, error) {
	key := firstEnv("NANOBANANA_API_KEY", "GOOGLE_API_KEY", "API_KEY")
	if key == "" {
		return APIConfig{}, fmt.Errorf("API key is not set (NANOBANANA_API_KEY or GOOGLE_API_KEY)")
	}

	baseURL := os.Getenv("API_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return APIConfig{Key: key, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func loadCatalogConfig() CatalogConfig {
	keywords := os.Getenv("MODEL_KEYWORDS")
	if keywords == "" {
		keywords = defaultKeywords
	}

	return CatalogConfig{
		Keywords:     SplitList(keywords),
		Allowlist:    NormalizeModelIDs(SplitList(os.Getenv("MODEL_ALLOWLIST"))),
		FallbackFile: os.Getenv("MODEL_CATALOG_FILE"),
	}
}

// SplitList splits a comma- or newline-separated env value, dropping
// empty items.
func SplitList(value string) []string {
	if value == "" {
		return nil
	}

	var parts []string
	for _, raw := range strings.Split(strings.ReplaceAll(value, "\n", ","), ",") {
		if item := strings.TrimSpace(raw); item != "" {
			parts = append(parts, item)
		}
	}

	return parts
}

// NormalizeModelIDs strips the "models/" prefix the API uses in full
// resource names and removes duplicates, keeping first occurrence order.
func NormalizeModelIDs(values []string) []string {
	seen := make(map[string]bool, len(values))

	var normalized []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		value = strings.TrimPrefix(value, "models/")
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		normalized = append(normalized, value)
	}

	return normalized
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}

	return ""
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return value
}
