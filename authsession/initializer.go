package authsession

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
)

// Location is the address the application was opened at. The manager reads
// it once at startup and replaces it after consuming redirect parameters.
type Location interface {
	URL() *url.URL
	Replace(u *url.URL)
}

// StaticLocation is a Location held in memory.
type StaticLocation struct {
	lock sync.Mutex
	u    *url.URL
}

func NewStaticLocation(raw string) (*StaticLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "[NewStaticLocation] parse url")
	}
	return &StaticLocation{u: u}, nil
}

func (l *StaticLocation) URL() *url.URL {
	l.lock.Lock()
	defer l.lock.Unlock()
	c := *l.u
	return &c
}

func (l *StaticLocation) Replace(u *url.URL) {
	l.lock.Lock()
	defer l.lock.Unlock()
	c := *u
	l.u = &c
}

// authParams are the redirect parameters consumed by the initializer.
var authParams = []string{"code", "state", "error", "error_description", "error_code", "error_uri"}

type redirectKind int

const (
	redirectNone redirectKind = iota
	redirectCode
	redirectError
)

// redirectParams merges the query with a fragment shaped like a query.
func redirectParams(u *url.URL) url.Values {
	params := url.Values{}
	if u == nil {
		return params
	}
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		for k, v := range frag {
			params[k] = v
		}
	}
	for k, v := range u.Query() {
		params[k] = v
	}
	return params
}

func classifyRedirect(u *url.URL) (redirectKind, url.Values) {
	params := redirectParams(u)
	switch {
	case params.Get("code") != "":
		return redirectCode, params
	case params.Get("error") != "" || params.Get("error_description") != "":
		return redirectError, params
	default:
		return redirectNone, params
	}
}

// stripAuthParams returns u without the redirect parameters, in either the
// query or the fragment.
func stripAuthParams(u *url.URL) *url.URL {
	c := *u
	q := c.Query()
	for _, k := range authParams {
		q.Del(k)
	}
	c.RawQuery = q.Encode()

	if c.Fragment != "" && strings.Contains(c.Fragment, "=") {
		if frag, err := url.ParseQuery(c.Fragment); err == nil && hasAuthParam(frag) {
			for _, k := range authParams {
				frag.Del(k)
			}
			c.Fragment = frag.Encode()
			c.RawFragment = ""
		}
	}
	return &c
}

func hasAuthParam(v url.Values) bool {
	for _, k := range authParams {
		if v.Has(k) {
			return true
		}
	}
	return false
}

// initialize resolves the session once at startup. Failures become
// diagnostics; the watchdogs end the loading state.
func (m *Manager) initialize(ctx context.Context) {
	var u *url.URL
	if m.location != nil {
		u = m.location.URL()
	}
	if kind, _ := classifyRedirect(u); kind != redirectNone {
		m.location.Replace(stripAuthParams(u))
		if applied, _ := m.resolveRedirect(ctx, u); applied {
			return
		}
	}
	m.lookupSession(ctx)
}

// HandleRedirect completes an authorization redirect delivered after
// startup, such as the loopback server's callback. When the exchange fails
// the provider's stored session is looked up instead. Protocol mismatches
// are silent; other failures are also returned.
func (m *Manager) HandleRedirect(ctx context.Context, u *url.URL) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	applied, err := m.resolveRedirect(ctx, u)
	if !applied {
		m.lookupSession(ctx)
	}
	return err
}

func (m *Manager) resolveRedirect(ctx context.Context, u *url.URL) (applied bool, err error) {
	kind, params := classifyRedirect(u)
	switch kind {
	case redirectCode:
		return m.exchangeCode(ctx, u)
	case redirectError:
		err := errors.Wrapf(ErrRedirectError, "%s: %s", params.Get("error"), params.Get("error_description"))
		m.logger.Warn().Str("error", params.Get("error")).Str("description", params.Get("error_description")).Msg("Authorization redirect returned an error")
		m.recordDiagnostic("redirect", err)
		return false, err
	default:
		return false, nil
	}
}

func (m *Manager) exchangeCode(ctx context.Context, u *url.URL) (bool, error) {
	exCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	session, err := m.provider.ExchangeCodeForSession(exCtx, u.String())
	if err != nil {
		class := Classify(err)
		if class == ClassRedirectProtocol {
			m.logger.Debug().Err(err).Msg("Code exchange unusable, falling back to stored session")
			return false, nil
		}
		m.logger.Warn().Err(err).Str("class", class.String()).Msg("Code exchange failed")
		m.recordDiagnostic("exchange", err)
		return false, errors.Wrap(err, "[HandleRedirect] exchange code")
	}
	if session == nil {
		return false, nil
	}
	m.apply(session, identity.EventSignedIn)
	return true, nil
}

// lookupSession asks the provider for a stored session. The call is never
// cut short: the watchdogs resolve the local state meanwhile, and a late
// result is applied like any other session event. A reachability probe runs
// alongside for diagnostics only.
func (m *Manager) lookupSession(ctx context.Context) {
	go m.probe(ctx)

	session, err := m.provider.GetSession(context.WithoutCancel(ctx))
	if err != nil {
		class := Classify(err)
		m.logger.Warn().Err(err).Str("class", class.String()).Msg("Session lookup failed, waiting for fail-safe")
		m.recordDiagnostic("lookup", err)
		return
	}
	if m.isClosed() {
		return
	}
	m.apply(session, identity.EventInitialSession)
}

func (m *Manager) probe(ctx context.Context) {
	pinger, ok := m.provider.(identity.Pinger)
	if !ok {
		return
	}
	probeCtx, cancel := clockwork.WithTimeout(ctx, m.clock, m.timings.ProbeTimeout)
	defer cancel()
	if err := pinger.Ping(probeCtx); err != nil {
		m.logger.Debug().Err(err).Msg("Identity provider probe failed")
		m.recordDiagnostic("probe", err)
	}
}
