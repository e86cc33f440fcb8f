package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// copilotClientID is the GitHub OAuth client id used by the Copilot Chat
// extension; Copilot's device-code endpoint only accepts this id.
const copilotClientID = "Iv1.b507a08c87ecfe98"

// CopilotHeaders are the client-identification headers this package sends on
// its Copilot API requests. The provider package's Copilot overlay sends its
// own header set, with different version values.
var CopilotHeaders = map[string]string{
	"User-Agent":             "GitHubCopilotChat/0.35.0",
	"Editor-Version":         "vscode/1.107.0",
	"Editor-Plugin-Version":  "copilot-chat/0.35.0",
	"Copilot-Integration-Id": "vscode-chat",
}

type copilotURLs struct {
	deviceCode  string
	accessToken string
	copilotTok  string
}

func copilotURLsFor(domain string) copilotURLs {
	if domain == "" {
		domain = "github.com"
	}
	return copilotURLs{
		deviceCode:  fmt.Sprintf("https://%s/login/device/code", domain),
		accessToken: fmt.Sprintf("https://%s/login/oauth/access_token", domain),
		copilotTok:  fmt.Sprintf("https://api.%s/copilot_internal/v2/token", domain),
	}
}

// DeviceCode is the response to starting the device-code flow.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

// StartDeviceFlow requests a device/user code pair from GitHub.
func StartDeviceFlow(ctx context.Context, domain string) (*DeviceCode, error) {
	urls := copilotURLsFor(domain)
	body, _ := json.Marshal(map[string]string{
		"client_id": copilotClientID,
		"scope":     "read:user",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urls.deviceCode, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", CopilotHeaders["User-Agent"])

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("device code request failed (%d): %s", resp.StatusCode, b)
	}

	var dc DeviceCode
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return nil, err
	}
	return &dc, nil
}

// PollForGitHubToken polls the access-token endpoint at the server-specified
// interval until the user authorizes, the device code expires, or ctx is
// cancelled. onPoll, if non-nil, is invoked before each poll attempt.
func PollForGitHubToken(ctx context.Context, device *DeviceCode, domain string, onPoll func()) (string, error) {
	urls := copilotURLsFor(domain)
	return pollForGitHubToken(ctx, device, urls.accessToken, realSleep, onPoll)
}

func realSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func pollForGitHubToken(ctx context.Context, device *DeviceCode, tokenURL string, sleep func(context.Context, time.Duration) error, onPoll func()) (string, error) {
	deadline := time.Now().Add(time.Duration(device.ExpiresIn) * time.Second)
	interval := device.Interval
	if interval < 1 {
		interval = 1
	}

	for time.Now().Before(deadline) {
		if onPoll != nil {
			onPoll()
		}

		token, retryErr, err := pollOnce(ctx, tokenURL, device.DeviceCode)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}

		switch retryErr {
		case "authorization_pending":
			// fall through to sleep at current interval
		case "slow_down":
			interval += 5
		case "expired_token":
			return "", ErrDeviceCodeExpired
		default:
			return "", fmt.Errorf("oauth error: %s", retryErr)
		}

		if err := sleep(ctx, time.Duration(interval)*time.Second); err != nil {
			return "", err
		}
	}
	return "", ErrDeviceCodeExpired
}

func pollOnce(ctx context.Context, url, deviceCode string) (token string, retryErr string, err error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":   copilotClientID,
		"device_code": deviceCode,
		"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", CopilotHeaders["User-Agent"])

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var data struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", "", err
	}
	if data.AccessToken != "" {
		return data.AccessToken, "", nil
	}
	return "", data.Error, nil
}

// ExchangeForCopilotToken exchanges a GitHub OAuth token for a short-lived
// Copilot API token, returning the token and its absolute expiry (unix ms,
// with a 5-minute safety margin subtracted).
func ExchangeForCopilotToken(ctx context.Context, githubToken, domain string) (token string, expiresAtMs int64, err error) {
	urls := copilotURLsFor(domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urls.copilotTok, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+githubToken)
	for k, v := range CopilotHeaders {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", 0, ErrSubscriptionMissing
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("copilot token exchange failed (%d): %s", resp.StatusCode, b)
	}

	var data struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"` // seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", 0, err
	}
	const safetyMarginMs = 5 * 60 * 1000
	return data.Token, data.ExpiresAt*1000 - safetyMarginMs, nil
}

// CopilotLogin runs the full device-code login flow: request a device code,
// hand (verificationURI, userCode) to onUserCode for display, poll until the
// user authorizes, then exchange for a Copilot API token. The resulting
// credentials are persisted before being returned. If policyModelIDs is
// non-empty, policy acceptance is requested for each model id as a
// best-effort step after the token exchange succeeds (see
// EnablePolicyModels); failures there never fail the login.
func (s *Store) CopilotLogin(ctx context.Context, enterpriseDomain string, onUserCode func(verificationURI, userCode string), policyModelIDs ...string) (*CopilotCredentials, error) {
	domain := enterpriseDomain
	if domain == "" {
		domain = "github.com"
	}

	device, err := StartDeviceFlow(ctx, domain)
	if err != nil {
		return nil, err
	}
	if onUserCode != nil {
		onUserCode(device.VerificationURI, device.UserCode)
	}

	githubToken, err := PollForGitHubToken(ctx, device, domain, nil)
	if err != nil {
		return nil, err
	}

	copilotToken, expiresAt, err := ExchangeForCopilotToken(ctx, githubToken, domain)
	if err != nil {
		return nil, err
	}

	creds := &CopilotCredentials{
		GitHubToken:      githubToken,
		CopilotToken:     copilotToken,
		ExpiresAt:        expiresAt,
		EnterpriseDomain: enterpriseDomain,
	}
	if err := s.SaveCopilot(creds); err != nil {
		return nil, err
	}

	if len(policyModelIDs) > 0 {
		EnablePolicyModels(ctx, copilotToken, policyModelIDs, enterpriseDomain)
	}

	return creds, nil
}

// policyExtraHeaders are the additional headers a model-policy acceptance
// POST carries on top of CopilotHeaders.
var policyExtraHeaders = map[string]string{
	"openai-intent":      "chat-policy",
	"x-interaction-type": "chat-policy",
}

// EnablePolicyModel POSTs a best-effort policy acceptance for one gated
// Copilot model (some models 403 until their usage policy is accepted) to
// baseURL (as derived by BaseURLFromToken), returning whether the server
// accepted it. Network errors and non-2xx responses are reported via the
// bool return, never as an error, because this is a convenience step and
// not required for a working token.
func EnablePolicyModel(ctx context.Context, baseURL, token, modelID string) bool {
	url := fmt.Sprintf("%s/models/%s/policy", baseURL, modelID)

	body, _ := json.Marshal(map[string]string{"state": "enabled"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range CopilotHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range policyExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// EnablePolicyModels fans EnablePolicyModel out over modelIDs concurrently
// and swallows every result but a debug log line: best-effort, never fails
// the caller. It returns once every request has finished.
func EnablePolicyModels(ctx context.Context, token string, modelIDs []string, enterpriseDomain string) {
	baseURL := BaseURLFromToken(token, enterpriseDomain)

	var wg sync.WaitGroup
	for _, modelID := range modelIDs {
		wg.Add(1)
		go func(modelID string) {
			defer wg.Done()
			if !EnablePolicyModel(ctx, baseURL, token, modelID) {
				log.Debug().Str("model", modelID).Msg("copilot policy acceptance failed (non-fatal)")
			}
		}(modelID)
	}
	wg.Wait()
}

// RefreshCopilot exchanges the stored GitHub token for a fresh Copilot
// token and persists the result.
func (s *Store) RefreshCopilot(ctx context.Context, creds *CopilotCredentials) (*CopilotCredentials, error) {
	domain := creds.EnterpriseDomain
	if domain == "" {
		domain = "github.com"
	}
	token, expiresAt, err := ExchangeForCopilotToken(ctx, creds.GitHubToken, domain)
	if err != nil {
		return nil, err
	}
	refreshed := &CopilotCredentials{
		GitHubToken:      creds.GitHubToken,
		CopilotToken:     token,
		ExpiresAt:        expiresAt,
		EnterpriseDomain: creds.EnterpriseDomain,
	}
	if err := s.SaveCopilot(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// refreshMarginMs is the "refresh transparently when now+60s >= expires_at"
// window shared by both credential flows.
const refreshMarginMs = 60_000

// GetValidCopilotToken returns a usable Copilot access token, refreshing it
// first if it is within the refresh margin of expiry. Returns
// ErrNotLoggedIn if no credentials are stored or refresh fails.
func (s *Store) GetValidCopilotToken(ctx context.Context) (string, error) {
	creds, err := s.LoadCopilot()
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", ErrNotLoggedIn
	}

	if nowMs() >= creds.ExpiresAt-refreshMarginMs {
		refreshed, err := s.RefreshCopilot(ctx, creds)
		if err != nil {
			return "", ErrNotLoggedIn
		}
		creds = refreshed
	}
	return creds.CopilotToken, nil
}
