package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config interface {
	EnvConfig
	OIDCConfig
	StorageConfig
	LifecycleConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetListenAddr() string
}

type OIDCConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetRedirectURL() string
	GetScopes() []string
	GetRegistrationURL() string
	GetRevocationURL() string
	IsOIDCConfigured() bool
}

type StorageConfig interface {
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetProfileDBPath() string
}

type LifecycleConfig interface {
	GetStartupTimeout() time.Duration
	GetLoadingTimeout() time.Duration
	GetProbeTimeout() time.Duration
	GetEnrichDebounce() time.Duration
	GetEnrichInterval() time.Duration
	GetEnrichCooldown() time.Duration
	GetPurgeTimeout() time.Duration
}

type mainConfig struct {
	EnvVars
	OIDC
	Storage
	Lifecycle
}

// New reads the process environment once. Unset variables fall back to the
// envDefault tags.
func New() (Config, error) {
	c := mainConfig{}
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "[config.New] parse env")
	}
	return c, nil
}

// FromEnvironment parses an explicit variable set instead of os.Environ.
func FromEnvironment(vars map[string]string) (Config, error) {
	c := mainConfig{}
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return nil, errors.Wrap(err, "[config.FromEnvironment] parse env")
	}
	return c, nil
}
