// Package grammar talks to a LanguageTool server and applies its suggested corrections.
package grammar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
)

// LanguageTool is a client for the LanguageTool /v2/check endpoint.
type LanguageTool struct {
	endpoint string
	language string
	client   *http.Client
}

func NewLanguageTool(endpoint, language string, timeout time.Duration) *LanguageTool {
	if language == "" {
		language = "en-US"
	}
	return &LanguageTool{
		endpoint: strings.TrimRight(endpoint, "/"),
		language: language,
		client:   &http.Client{Timeout: timeout},
	}
}

type checkResponse struct {
	Matches []match `json:"matches"`
}

type match struct {
	Offset       int `json:"offset"`
	Length       int `json:"length"`
	Replacements []struct {
		Value string `json:"value"`
	} `json:"replacements"`
}

// Correct returns text with the first suggested replacement of every match applied.
func (lt *LanguageTool) Correct(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	form := url.Values{}
	form.Set("text", text)
	form.Set("language", lt.language)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lt.endpoint+"/v2/check", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := lt.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("languagetool unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("languagetool returned status %s", resp.Status)
	}
	var body checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode languagetool response: %w", err)
	}
	return applyMatches(text, body.Matches), nil
}

// applyMatches works on UTF-16 units because LanguageTool reports offsets that way.
func applyMatches(text string, matches []match) string {
	units := utf16.Encode([]rune(text))
	sort.Slice(matches, func(i, j int) bool { return matches[i].Offset > matches[j].Offset })

	limit := len(units)
	for _, m := range matches {
		if len(m.Replacements) == 0 {
			continue
		}
		end := m.Offset + m.Length
		if m.Offset < 0 || end > limit || m.Length < 0 {
			continue
		}
		replacement := utf16.Encode([]rune(m.Replacements[0].Value))
		next := make([]uint16, 0, len(units)-m.Length+len(replacement))
		next = append(next, units[:m.Offset]...)
		next = append(next, replacement...)
		next = append(next, units[end:]...)
		units = next
		limit = m.Offset
	}
	return string(utf16.Decode(units))
}
