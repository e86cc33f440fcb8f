package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	chatgptClientID  = "app_EMoamEEZ73f0CkXaXp7hrann"
	chatgptAuthorize = "https://auth.openai.com/oauth/authorize"
	chatgptTokenURL  = "https://auth.openai.com/oauth/token"
	chatgptRedirect  = "http://localhost:1455/auth/callback"
	chatgptScope     = "openid profile email offline_access"
	chatgptJWTClaim  = "https://api.openai.com/auth"
	loopbackAddr     = "127.0.0.1:1455"
)

const successHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"/><title>Authentication successful</title></head>
<body><p>Authentication successful. Return to your terminal to continue.</p></body>
</html>`

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// generatePKCE returns a random 32-byte code verifier and its base64url
// SHA-256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier = base64URLEncode(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64URLEncode(sum[:])
	return verifier, challenge, nil
}

// createState returns a fresh random state value for the OAuth round trip.
func createState() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func buildAuthorizeURL(challenge, state, originator string) string {
	q := url.Values{
		"response_type":             {"code"},
		"client_id":                 {chatgptClientID},
		"redirect_uri":              {chatgptRedirect},
		"scope":                     {chatgptScope},
		"code_challenge":            {challenge},
		"code_challenge_method":     {"S256"},
		"state":                     {state},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow": {"true"},
		"originator":                {originator},
	}
	return chatgptAuthorize + "?" + q.Encode()
}

// decodeJWTPayload extracts and JSON-decodes a JWT's payload segment
// without verifying its signature — the token is our own issuer's opaque
// access token, not a credential we need to trust a third party's claims
// about.
func decodeJWTPayload(token string) (map[string]any, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload := parts[1]
	if pad := len(payload) % 4; pad != 0 {
		payload += strings.Repeat("=", 4-pad)
	}
	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	var claims map[string]any
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, false
	}
	return claims, true
}

func extractAccountID(accessToken string) string {
	claims, ok := decodeJWTPayload(accessToken)
	if !ok {
		return ""
	}
	auth, ok := claims[chatgptJWTClaim].(map[string]any)
	if !ok {
		return ""
	}
	accountID, _ := auth["chatgpt_account_id"].(string)
	return accountID
}

func exchangeCodeForTokens(ctx context.Context, code, verifier string) (*OpenAICredentials, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {chatgptClientID},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {chatgptRedirect},
	}
	return postTokenForm(ctx, form)
}

func postTokenForm(ctx context.Context, form url.Values) (*OpenAICredentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatgptTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai oauth token request failed (%d): %s", resp.StatusCode, b)
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" || data.RefreshToken == "" {
		return nil, fmt.Errorf("openai oauth token response missing required fields")
	}

	accountID := extractAccountID(data.AccessToken)
	if accountID == "" {
		return nil, fmt.Errorf("failed to extract chatgpt_account_id from openai oauth token")
	}

	return &OpenAICredentials{
		Access:    data.AccessToken,
		Refresh:   data.RefreshToken,
		Expires:   nowMs() + data.ExpiresIn*1000,
		AccountID: accountID,
	}, nil
}

// ChatGPTLogin runs the PKCE loopback flow: generate a verifier/challenge
// and state, bind a local listener at 127.0.0.1:1455, emit the authorize
// URL via onAuthURL, and wait for either the loopback callback or a
// manually pasted callback URL/fragment supplied by onManualInput. The
// resulting credentials are persisted before being returned.
func (s *Store) ChatGPTLogin(ctx context.Context, originator string, onAuthURL func(string), onManualInput func() (string, error)) (*OpenAICredentials, error) {
	if originator == "" {
		originator = "kon"
	}
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, err
	}
	state, err := createState()
	if err != nil {
		return nil, err
	}
	authURL := buildAuthorizeURL(challenge, state, originator)
	if onAuthURL != nil {
		onAuthURL(authURL)
	}

	code, err := waitForCode(ctx, state, onManualInput)
	if err != nil {
		return nil, err
	}

	creds, err := exchangeCodeForTokens(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	if err := s.SaveOpenAI(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// waitForCode races the loopback callback server against an optional
// manual-paste fallback, returning whichever supplies a valid code first.
func waitForCode(ctx context.Context, state string, onManualInput func() (string, error)) (string, error) {
	callbackCh := make(chan result, 1)
	srv, _, err := startCallbackServer(state, callbackCh)
	if err == nil {
		defer srv.Close()
	}

	var manualCh chan result
	if onManualInput != nil {
		manualCh = make(chan result, 1)
		go func() {
			input, err := onManualInput()
			if err != nil {
				manualCh <- result{err: err}
				return
			}
			code, parsedState, ok := parseManualInput(input)
			if !ok {
				manualCh <- result{err: fmt.Errorf("could not parse callback input")}
				return
			}
			if parsedState != "" && parsedState != state {
				manualCh <- result{err: ErrStateMismatch}
				return
			}
			manualCh <- result{code: code}
		}()
	}

	timeout := time.After(5 * time.Minute)
	select {
	case r := <-callbackCh:
		return r.code, r.err
	case r := <-manualCh:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timeout:
		return "", fmt.Errorf("openai oauth timed out waiting for authorization")
	}
}

func startCallbackServer(state string, resultCh chan<- result) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	var once sync.Once
	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		reqState := q.Get("state")
		if reqState != state || code == "" {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			once.Do(func() { resultCh <- result{err: ErrStateMismatch} })
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(successHTML))
		once.Do(func() { resultCh <- result{code: code} })
	})

	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", loopbackAddr)
	if err != nil {
		return nil, nil, err
	}
	go srv.Serve(ln)
	return srv, ln, nil
}

type result struct {
	code string
	err  error
}

// parseManualInput accepts either a full callback URL or the raw
// "code=...&state=..." query fragment pasted by the user.
func parseManualInput(input string) (code, state string, ok bool) {
	text := strings.TrimSpace(input)
	if text == "" {
		return "", "", false
	}
	if u, err := url.Parse(text); err == nil && u.Scheme != "" && u.Host != "" {
		q := u.Query()
		return q.Get("code"), q.Get("state"), q.Get("code") != ""
	}
	if strings.Contains(text, "code=") {
		q, err := url.ParseQuery(text)
		if err == nil && q.Get("code") != "" {
			return q.Get("code"), q.Get("state"), true
		}
	}
	if idx := strings.Index(text, "#"); idx >= 0 {
		return text[:idx], text[idx+1:], text[:idx] != ""
	}
	return text, "", text != ""
}

func (s *Store) refreshOpenAI(ctx context.Context, creds *OpenAICredentials) (*OpenAICredentials, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.Refresh},
		"client_id":     {chatgptClientID},
	}
	refreshed, err := postTokenForm(ctx, form)
	if err != nil {
		return nil, err
	}
	if err := s.SaveOpenAI(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// GetValidChatGPTToken returns a usable ChatGPT access token, refreshing it
// first if it is within the refresh margin of expiry. Returns
// ErrNotLoggedIn if no credentials are stored or refresh fails.
func (s *Store) GetValidChatGPTToken(ctx context.Context) (string, error) {
	creds, err := s.LoadOpenAI()
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", ErrNotLoggedIn
	}

	if nowMs() >= creds.Expires-refreshMarginMs {
		refreshed, err := s.refreshOpenAI(ctx, creds)
		if err != nil {
			return "", ErrNotLoggedIn
		}
		creds = refreshed
	}
	return creds.Access, nil
}
