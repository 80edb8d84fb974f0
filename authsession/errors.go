package authsession

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

var (
	ErrNotAuthenticated   = errors.New("no authenticated identity")
	ErrCoolingDown        = errors.New("profile enrichment is cooling down after a recent failure")
	ErrEnrichmentInFlight = errors.New("profile enrichment already in flight")
	ErrIdentityChanged    = errors.New("identity changed before the profile result arrived")
	ErrProfileMismatch    = errors.New("profile store returned a record for another identity")
	ErrFailSafeTriggered  = errors.New("fail-safe timer resolved the session")
	ErrManagerClosed      = errors.New("session manager is closed")
	ErrAlreadyStarted     = errors.New("session manager already started")
	ErrRedirectError      = errors.New("authorization redirect reported an error")
)

// Class buckets a failure by what the manager should do about it.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransientNetwork
	ClassRedirectProtocol
	ClassProviderRejection
	ClassLogoutAnomaly
	ClassFailSafe
)

func (c Class) String() string {
	switch c {
	case ClassTransientNetwork:
		return "transient_network"
	case ClassRedirectProtocol:
		return "redirect_protocol"
	case ClassProviderRejection:
		return "provider_rejection"
	case ClassLogoutAnomaly:
		return "logout_anomaly"
	case ClassFailSafe:
		return "fail_safe"
	default:
		return "unknown"
	}
}

// Classify maps err onto a Class. Typed errors win over message matching;
// the message checks cover providers that only return strings.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrFailSafeTriggered):
		return ClassFailSafe
	case errors.Is(err, identity.ErrNoSession):
		return ClassLogoutAnomaly
	case errors.Is(err, identity.ErrCodeVerifierMismatch),
		errors.Is(err, identity.ErrFlowStateNotFound),
		errors.Is(err, identity.ErrNonceMismatch),
		errors.Is(err, identity.ErrMissingCode):
		return ClassRedirectProtocol
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrUserExists),
		errors.Is(err, identity.ErrEmailNotConfirmed),
		errors.Is(err, identity.ErrWeakPassword):
		return ClassProviderRejection
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if identity.IsRedirectProtocolMessage(retrieveErr.ErrorDescription) {
			return ClassRedirectProtocol
		}
		return ClassProviderRejection
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransientNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case identity.IsRedirectProtocolMessage(msg):
		return ClassRedirectProtocol
	case strings.Contains(msg, "session missing"), strings.Contains(msg, "no session"):
		return ClassLogoutAnomaly
	case strings.Contains(msg, "failed to fetch"), strings.Contains(msg, "connection refused"):
		return ClassTransientNetwork
	}
	return ClassUnknown
}
