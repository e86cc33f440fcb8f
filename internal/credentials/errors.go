package credentials

import "errors"

// ErrSubscriptionMissing is returned by the Copilot device flow when the
// GitHub account has no active Copilot subscription (401 from the token
// exchange endpoint).
var ErrSubscriptionMissing = errors.New("github copilot subscription not found")

// ErrDeviceCodeExpired is returned when the device-code flow's polling
// window elapses before the user authorizes.
var ErrDeviceCodeExpired = errors.New("device code expired")

// ErrStateMismatch is returned by the PKCE loopback flow when the callback
// carries a state value different from the one that was issued.
var ErrStateMismatch = errors.New("oauth state mismatch")

// ErrNotLoggedIn is returned by GetValid* when no credentials are stored or
// a refresh attempt failed; callers must re-authenticate.
var ErrNotLoggedIn = errors.New("not logged in")
