package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bowerhall/magritte/internal/config"
)

// ErrNoModels is returned when the catalog holds no image-capable entries.
var ErrNoModels = errors.New("no image-capable models found")

// Model describes one selectable generation model.
type Model struct {
	ID          string
	Name        string // full API resource name, e.g. "models/gemini-x"
	DisplayName string
	Description string
	Methods     []string
}

const generateMethod = "generateContent"

// Fetch queries the remote model list endpoint. The result is unfiltered;
// pass it through Filter before building a Registry.
func Fetch(ctx context.Context, baseURL, apiKey string, timeout time.Duration) ([]Model, error) {
	endpoint := fmt.Sprintf("%s/models?key=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model list request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list request failed: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload struct {
		Models []struct {
			Name        string   `json:"name"`
			DisplayName string   `json:"displayName"`
			Description string   `json:"description"`
			Methods     []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]Model, 0, len(payload.Models))
	for _, item := range payload.Models {
		id := strings.TrimPrefix(item.Name, "models/")
		display := item.DisplayName
		if display == "" {
			display = id
		}
		models = append(models, Model{
			ID:          id,
			Name:        item.Name,
			DisplayName: display,
			Description: item.Description,
			Methods:     item.Methods,
		})
	}

	return models, nil
}

// Filter keeps models that can generate content, match at least one
// keyword (when keywords are given) and sit on the allowlist (when one
// is given). The result is sorted by id.
func Filter(models []Model, keywords, allowlist []string) []Model {
	allowed := make(map[string]bool, len(allowlist))
	for _, id := range allowlist {
		allowed[id] = true
	}

	var filtered []Model
	for _, model := range models {
		if !supportsGeneration(model) {
			continue
		}
		if len(keywords) > 0 && !matchesKeywords(model, keywords) {
			continue
		}
		if len(allowed) > 0 && !allowed[model.ID] {
			continue
		}
		filtered = append(filtered, model)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	return filtered
}

func supportsGeneration(model Model) bool {
	for _, method := range model.Methods {
		if method == generateMethod {
			return true
		}
	}
	return false
}

func matchesKeywords(model Model, keywords []string) bool {
	haystack := strings.ToLower(model.Name + " " + model.DisplayName + " " + model.Description)
	for _, keyword := range keywords {
		if strings.Contains(haystack, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// fromAllowlist synthesizes a registry-worth of models from bare ids,
// used when the remote catalog cannot be reached.
func fromAllowlist(allowlist []string) []Model {
	models := make([]Model, 0, len(allowlist))
	for _, id := range config.NormalizeModelIDs(allowlist) {
		models = append(models, Model{
			ID:          id,
			Name:        "models/" + id,
			DisplayName: id,
			Methods:     []string{generateMethod},
		})
	}
	return models
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max] + "..."
}
