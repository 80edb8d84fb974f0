// Package server is the loopback HTTP surface of the session daemon: it
// starts browser logins, receives the authorization redirect and exposes
// the current session as JSON.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-auth-session/authsession"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionManager is the part of authsession.Manager the routes drive.
type SessionManager interface {
	Snapshot() authsession.State
	Diagnostics() []authsession.Diagnostic
	HandleRedirect(ctx context.Context, u *url.URL) error
	Login(ctx context.Context, creds identity.Credentials) error
	Register(ctx context.Context, creds identity.Credentials, metadata map[string]any) (identity.SignUpResult, error)
	Logout(ctx context.Context) error
	RefreshProfile(ctx context.Context) (*profiles.Profile, error)
}

// LoginURLBuilder starts a browser authorization flow. The OIDC provider
// implements it; providers without a browser flow leave it unset.
type LoginURLBuilder interface {
	AuthCodeURL(returnURL string) (string, error)
	ReturnURLFor(state string) string
}

var _ SessionManager = (*authsession.Manager)(nil)

type Server struct {
	env       string // Environment (e.g., "DEV", "PROD")
	mux       *http.ServeMux
	routes    []string
	sessions  SessionManager
	loginURLs LoginURLBuilder
	logger    zerolog.Logger
}

type Option func(*Server)

func WithLoginURLBuilder(b LoginURLBuilder) Option {
	return func(s *Server) {
		s.loginURLs = b
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func New(env string, sessions SessionManager, options ...Option) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("[Server New] session manager is required")
	}
	s := &Server{
		env:      env,
		mux:      http.NewServeMux(),
		sessions: sessions,
		logger:   log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes lists the registered patterns in registration order.
func (s *Server) Routes() []string {
	out := make([]string, len(s.routes))
	copy(out, s.routes)
	return out
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	displayMethod := Gray + paddedMethod + ResetColor
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	}
	s.logger.Debug().Msgf("[%-19s] %s", displayMethod, path)
}

// requestURL rebuilds the absolute URL the browser was sent to.
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = getScheme(r)
	u.Host = r.Host
	return &u
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
