package identity

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNoSession            = errors.New("no active session")
	ErrInvalidCredentials   = errors.New("invalid login credentials")
	ErrEmailNotConfirmed    = errors.New("email not confirmed")
	ErrUserExists           = errors.New("user already registered")
	ErrWeakPassword         = errors.New("password does not meet requirements")
	ErrMissingCode          = errors.New("redirect has no authorization code")
	ErrFlowStateNotFound    = errors.New("invalid flow state, no valid flow state found")
	ErrCodeVerifierMismatch = errors.New("invalid request: code verifier mismatch")
	ErrNonceMismatch        = errors.New("id token nonce mismatch")
	ErrMissingIDToken       = errors.New("token response has no id_token")
)

var redirectProtocolMarkers = []string{"verifier", "pkce", "flow state", "flow_state"}

// IsRedirectProtocolMessage reports whether a provider's error text
// describes a PKCE verifier or flow state mismatch. Adapters and the
// session manager both match provider text through it.
func IsRedirectProtocolMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range redirectProtocolMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
