// Package credentials implements the OAuth credential store (component B):
// the GitHub Copilot device-code flow, the ChatGPT PKCE loopback flow, and
// transparent refresh, persisted as 0600 JSON files under the config dir.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CopilotCredentials is the Copilot OAuth credential shape persisted to
// <config>/copilot_auth.json.
type CopilotCredentials struct {
	GitHubToken      string `json:"github_token"`
	CopilotToken     string `json:"copilot_token"`
	ExpiresAt        int64  `json:"expires_at"` // unix ms
	EnterpriseDomain string `json:"enterprise_domain,omitempty"`
}

// OpenAICredentials is the ChatGPT OAuth credential shape persisted to
// <config>/openai_auth.json.
type OpenAICredentials struct {
	Refresh   string `json:"refresh"`
	Access    string `json:"access"`
	Expires   int64  `json:"expires"` // unix ms
	AccountID string `json:"account_id"`
}

// Store manages OAuth credential files under a config directory.
type Store struct {
	configDir string
}

// NewStore creates a Store rooted at configDir (e.g. ~/.config/kon).
func NewStore(configDir string) *Store {
	return &Store{configDir: configDir}
}

func (s *Store) copilotPath() string {
	return filepath.Join(s.configDir, "copilot_auth.json")
}

func (s *Store) openaiPath() string {
	return filepath.Join(s.configDir, "openai_auth.json")
}

// LoadCopilot reads Copilot credentials, or (nil, nil) if never logged in.
func (s *Store) LoadCopilot() (*CopilotCredentials, error) {
	var creds CopilotCredentials
	ok, err := loadJSON(s.copilotPath(), &creds)
	if err != nil || !ok {
		return nil, err
	}
	return &creds, nil
}

// SaveCopilot persists Copilot credentials with 0600 permissions.
func (s *Store) SaveCopilot(creds *CopilotCredentials) error {
	return saveJSON(s.configDir, s.copilotPath(), creds)
}

// ClearCopilot removes the Copilot credential file.
func (s *Store) ClearCopilot() error {
	return clearFile(s.copilotPath())
}

// LoadOpenAI reads ChatGPT credentials, or (nil, nil) if never logged in.
func (s *Store) LoadOpenAI() (*OpenAICredentials, error) {
	var creds OpenAICredentials
	ok, err := loadJSON(s.openaiPath(), &creds)
	if err != nil || !ok {
		return nil, err
	}
	return &creds, nil
}

// SaveOpenAI persists ChatGPT credentials with 0600 permissions.
func (s *Store) SaveOpenAI(creds *OpenAICredentials) error {
	return saveJSON(s.configDir, s.openaiPath(), creds)
}

// ClearOpenAI removes the ChatGPT credential file.
func (s *Store) ClearOpenAI() error {
	return clearFile(s.openaiPath())
}

func loadJSON(path string, v any) (bool, error) {
	//nolint:gosec // G304: path is derived from the validated config dir
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}

// saveJSON writes atomically: the payload lands in a same-directory temp
// file first and is renamed into place, so a crash mid-write never leaves a
// truncated credential file behind.
func saveJSON(dir, path string, v any) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func clearFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// proxyEpRe extracts the proxy-ep field out of an opaque Copilot access
// token, e.g. "tid=...;exp=...;proxy-ep=proxy.individual.githubcopilot.com;...".
var proxyEpRe = regexp.MustCompile(`proxy-ep=([^;]+)`)

// BaseURLFromToken derives the Copilot API base URL from the proxy-ep field
// embedded in an opaque Copilot access token, rewriting the proxy host to
// its api.* counterpart. Falls back to a per-tenant default when the field
// is absent.
func BaseURLFromToken(token, enterpriseDomain string) string {
	if m := proxyEpRe.FindStringSubmatch(token); m != nil {
		apiHost := strings.Replace(m[1], "proxy.", "api.", 1)
		return "https://" + apiHost
	}
	if enterpriseDomain != "" {
		return fmt.Sprintf("https://copilot-api.%s", enterpriseDomain)
	}
	return "https://api.individual.githubcopilot.com"
}
