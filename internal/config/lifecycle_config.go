package config

import "time"

// Lifecycle holds the session manager's watchdog and enrichment timings.
// The defaults are tuned values, not contracts.
type Lifecycle struct {
	StartupTimeout time.Duration `env:"AUTH_STARTUP_TIMEOUT" envDefault:"5s"`
	LoadingTimeout time.Duration `env:"AUTH_LOADING_TIMEOUT" envDefault:"3s"`
	ProbeTimeout   time.Duration `env:"AUTH_PROBE_TIMEOUT" envDefault:"800ms"`
	EnrichDebounce time.Duration `env:"AUTH_ENRICH_DEBOUNCE" envDefault:"10s"`
	EnrichInterval time.Duration `env:"AUTH_ENRICH_INTERVAL" envDefault:"2m"`
	EnrichCooldown time.Duration `env:"AUTH_ENRICH_COOLDOWN" envDefault:"5m"`
	PurgeTimeout   time.Duration `env:"AUTH_PURGE_TIMEOUT" envDefault:"2s"`
}

var _ LifecycleConfig = Lifecycle{}

func (l Lifecycle) GetStartupTimeout() time.Duration {
	return l.StartupTimeout
}

func (l Lifecycle) GetLoadingTimeout() time.Duration {
	return l.LoadingTimeout
}

func (l Lifecycle) GetProbeTimeout() time.Duration {
	return l.ProbeTimeout
}

func (l Lifecycle) GetEnrichDebounce() time.Duration {
	return l.EnrichDebounce
}

func (l Lifecycle) GetEnrichInterval() time.Duration {
	return l.EnrichInterval
}

func (l Lifecycle) GetEnrichCooldown() time.Duration {
	return l.EnrichCooldown
}

func (l Lifecycle) GetPurgeTimeout() time.Duration {
	return l.PurgeTimeout
}
