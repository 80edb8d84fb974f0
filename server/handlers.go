package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/authsession"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
)

// SessionView is the JSON shape of a session snapshot. Tokens never leave
// the process.
type SessionView struct {
	Authenticated bool               `json:"authenticated"`
	Loading       bool               `json:"loading"`
	Initialized   bool               `json:"initialized"`
	Admin         bool               `json:"admin"`
	Identity      *identity.Identity `json:"identity,omitempty"`
	Profile       *profiles.Profile  `json:"profile,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	Error         string             `json:"error,omitempty"`
}

func NewSessionView(s authsession.State) SessionView {
	v := SessionView{
		Authenticated: s.IsAuthenticated,
		Loading:       s.IsLoading,
		Initialized:   s.Initialized,
		Admin:         s.IsAdmin,
		Identity:      s.Identity,
		Profile:       s.Profile,
	}
	if s.Session != nil && !s.Session.ExpiresAt.IsZero() {
		exp := s.Session.ExpiresAt
		v.ExpiresAt = &exp
	}
	if s.InitError != nil {
		v.Error = s.InitError.Error()
	}
	return v
}

type diagnosticView struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Class  string    `json:"class"`
	Error  string    `json:"error"`
}

type passwordLoginRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Metadata map[string]any `json:"metadata,omitempty"` // registration only
}

type registerResponse struct {
	NeedsVerification bool        `json:"needs_verification"`
	Session           SessionView `json:"session"`
}

func decodeCredentials(r *http.Request) (passwordLoginRequest, error) {
	var req passwordLoginRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.Wrap(err, "malformed JSON body")
		}
		return req, nil
	}
	req.Email = r.FormValue("email")
	req.Password = r.FormValue("password")
	if name := r.FormValue("name"); name != "" {
		req.Metadata = map[string]any{"name": name}
	}
	return req, nil
}

func credentialFailureStatus(err error) int {
	if authsession.Classify(err) == authsession.ClassProviderRejection {
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}

// BrowserLoginHandler redirects to the identity provider's authorization
// page. A relative ?return= path is restored after the callback.
func (s *Server) BrowserLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.loginURLs == nil {
			writeJSONError(w, "unsupported", "the identity provider has no browser login", http.StatusNotImplemented)
			return
		}
		returnURL := r.URL.Query().Get("return")
		if !strings.HasPrefix(returnURL, "/") || strings.HasPrefix(returnURL, "//") {
			returnURL = ""
		}
		authURL, err := s.loginURLs.AuthCodeURL(returnURL)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to build authorization URL")
			writeJSONError(w, "server_error", "could not start login", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// PasswordLoginHandler accepts a JSON or form email/password pair.
func (s *Server) PasswordLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCredentials(r)
		if err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.sessions.Login(r.Context(), identity.Credentials{Email: req.Email, Password: req.Password}); err != nil {
			writeJSONError(w, "login_failed", err.Error(), credentialFailureStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, NewSessionView(s.sessions.Snapshot()))
	}
}

// RegisterHandler creates an account. The session follows immediately
// unless the provider wants the email verified first.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCredentials(r)
		if err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		result, err := s.sessions.Register(r.Context(), identity.Credentials{Email: req.Email, Password: req.Password}, req.Metadata)
		switch {
		case errors.Is(err, identity.ErrUserExists):
			writeJSONError(w, "user_exists", err.Error(), http.StatusConflict)
			return
		case errors.Is(err, identity.ErrWeakPassword):
			writeJSONError(w, "weak_password", err.Error(), http.StatusUnprocessableEntity)
			return
		case err != nil:
			writeJSONError(w, "registration_failed", err.Error(), credentialFailureStatus(err))
			return
		}

		status := http.StatusCreated
		if result.NeedsVerification {
			status = http.StatusAccepted
		}
		writeJSON(w, status, registerResponse{
			NeedsVerification: result.NeedsVerification,
			Session:           NewSessionView(s.sessions.Snapshot()),
		})
	}
}

// CallbackHandler completes the authorization redirect.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := requestURL(r)
		if r.Method == http.MethodPost {
			// form_post response mode carries the parameters in the body
			if err := r.ParseForm(); err == nil {
				u.RawQuery = r.PostForm.Encode()
			}
		}
		// The exchange consumes the flow, so read its return URL first.
		var returnURL string
		if s.loginURLs != nil {
			returnURL = s.loginURLs.ReturnURLFor(u.Query().Get("state"))
		}

		if err := s.sessions.HandleRedirect(r.Context(), u); err != nil {
			s.logger.Warn().Err(err).Msg("Authorization callback failed")
			writeJSONError(w, "callback_failed", err.Error(), http.StatusBadRequest)
			return
		}

		if returnURL != "" && returnURL != "/" {
			http.Redirect(w, r, returnURL, http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusOK, NewSessionView(s.sessions.Snapshot()))
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.Logout(r.Context()); err != nil {
			writeJSONError(w, "logout_unavailable", err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, NewSessionView(s.sessions.Snapshot()))
	}
}

func (s *Server) ProfileRefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.sessions.RefreshProfile(r.Context())
		switch {
		case errors.Is(err, authsession.ErrNotAuthenticated):
			writeJSONError(w, "not_authenticated", err.Error(), http.StatusUnauthorized)
		case errors.Is(err, authsession.ErrIdentityChanged):
			writeJSONError(w, "identity_changed", err.Error(), http.StatusConflict)
		case errors.Is(err, authsession.ErrEnrichmentInFlight):
			writeJSONError(w, "in_flight", err.Error(), http.StatusTooManyRequests)
		case err != nil:
			writeJSONError(w, "profile_unavailable", err.Error(), http.StatusBadGateway)
		default:
			writeJSON(w, http.StatusOK, p)
		}
	}
}

func (s *Server) DiagnosticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diags := s.sessions.Diagnostics()
		out := make([]diagnosticView, 0, len(diags))
		for _, d := range diags {
			v := diagnosticView{At: d.At, Source: d.Source, Class: d.Class.String()}
			if d.Err != nil {
				v.Error = d.Err.Error()
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
