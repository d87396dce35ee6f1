package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bowerhall/magritte/internal/config"
	"github.com/bowerhall/magritte/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	fetchAttempts = 3
	fetchBackoff  = 2 * time.Second
	backoffGrowth = 2
)

// Load builds the startup registry: fetch the remote catalog (with
// retries), filter it, and fall back to the catalog file or the bare
// allowlist when the remote side is unavailable.
func Load(ctx context.Context, api config.APIConfig, cat config.CatalogConfig, timeout time.Duration) (*Registry, error) {
	models, err := fetchWithRetry(ctx, api.BaseURL, api.Key, timeout)
	if err == nil {
		return NewRegistry(Filter(models, cat.Keywords, cat.Allowlist))
	}

	if cat.FallbackFile != "" {
		fallback, ferr := loadFallbackFile(cat.FallbackFile)
		if ferr != nil {
			logger.Warn("catalog fallback file unusable", "path", cat.FallbackFile, "error", ferr)
		} else {
			logger.Warn("remote catalog unavailable, using fallback file", "path", cat.FallbackFile, "error", err)
			return NewRegistry(Filter(fallback, nil, cat.Allowlist))
		}
	}

	if len(cat.Allowlist) > 0 {
		logger.Warn("remote catalog unavailable, using allowlist", "error", err)
		return NewRegistry(fromAllowlist(cat.Allowlist))
	}

	return nil, err
}

func fetchWithRetry(ctx context.Context, baseURL, apiKey string, timeout time.Duration) ([]Model, error) {
	delay := fetchBackoff

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		models, err := Fetch(ctx, baseURL, apiKey, timeout)
		if err == nil {
			return models, nil
		}

		lastErr = err
		if attempt < fetchAttempts {
			logger.Warn("catalog fetch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= backoffGrowth
		}
	}

	return nil, lastErr
}

type fallbackEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
}

func loadFallbackFile(path string) ([]Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Models []fallbackEntry `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	models := make([]Model, 0, len(file.Models))
	for _, entry := range file.Models {
		if entry.ID == "" {
			continue
		}
		display := entry.DisplayName
		if display == "" {
			display = entry.ID
		}
		models = append(models, Model{
			ID:          entry.ID,
			Name:        "models/" + entry.ID,
			DisplayName: display,
			Description: entry.Description,
			Methods:     []string{generateMethod},
		})
	}

	return models, nil
}
