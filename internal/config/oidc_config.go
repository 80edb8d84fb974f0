package config

type OIDC struct {
	IssuerURL       string   `env:"OIDC_ISSUER_URL"`
	ClientID        string   `env:"OIDC_CLIENT_ID"`
	ClientSecret    string   `env:"OIDC_CLIENT_SECRET"`
	RedirectURL     string   `env:"OIDC_REDIRECT_URL" envDefault:"http://127.0.0.1:8085/callback"`
	Scopes          []string `env:"OIDC_SCOPES" envSeparator:"," envDefault:"openid,profile,email"`
	RegistrationURL string   `env:"OIDC_REGISTRATION_URL"`
	RevocationURL   string   `env:"OIDC_REVOCATION_URL"`
}

var _ OIDCConfig = OIDC{}

func (o OIDC) GetIssuerURL() string {
	return o.IssuerURL
}

func (o OIDC) GetClientID() string {
	return o.ClientID
}

func (o OIDC) GetClientSecret() string {
	return o.ClientSecret
}

func (o OIDC) GetRedirectURL() string {
	return o.RedirectURL
}

func (o OIDC) GetScopes() []string {
	return o.Scopes
}

func (o OIDC) GetRegistrationURL() string {
	return o.RegistrationURL
}

func (o OIDC) GetRevocationURL() string {
	return o.RevocationURL
}

// IsOIDCConfigured reports whether enough is set to talk to a real issuer.
// Without it the daemon runs against the in-memory provider.
func (o OIDC) IsOIDCConfigured() bool {
	return o.IssuerURL != "" && o.ClientID != ""
}
