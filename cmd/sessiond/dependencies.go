package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jrsteele09/go-auth-session/artifacts"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/oidcclient"
	"github.com/jrsteele09/go-auth-session/identity/providerfake"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/profiles/sqlitestore"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type dependencies struct {
	provider  identity.Provider
	loginURLs server.LoginURLBuilder
	profiles  *sqlitestore.Store
	artifacts artifacts.Purger
	redis     *redis.Client
}

func buildDependencies(ctx context.Context, c config.Config, logger zerolog.Logger) (_ *dependencies, returnError error) {
	d := &dependencies{}
	defer func() {
		if returnError != nil {
			d.Close()
		}
	}()

	if addr := c.GetRedisAddr(); addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: c.GetRedisPassword(),
			DB:       c.GetRedisDB(),
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "[buildDependencies] redis ping %s", addr)
		}
		d.artifacts = artifacts.NewRedisStore(d.redis)
		logger.Info().Str("addr", addr).Msg("Using Redis for tokens and artifacts")
	} else {
		d.artifacts = artifacts.NewMemoryStore()
	}

	path := c.GetProfileDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[buildDependencies] create profile db dir")
	}
	profileStore, err := sqlitestore.Open(path)
	if err != nil {
		return nil, err
	}
	d.profiles = profileStore

	switch {
	case c.IsOIDCConfigured():
		opts := []oidcclient.ProviderOption{oidcclient.WithLogger(logger)}
		if d.redis != nil {
			opts = append(opts, oidcclient.WithTokenRepo(oidcclient.NewRedisTokenRepo(d.redis)))
		}
		p, err := oidcclient.New(ctx, oidcclient.Config{
			IssuerURL:       c.GetIssuerURL(),
			ClientID:        c.GetClientID(),
			ClientSecret:    c.GetClientSecret(),
			RedirectURL:     c.GetRedirectURL(),
			Scopes:          c.GetScopes(),
			RegistrationURL: c.GetRegistrationURL(),
			RevocationURL:   c.GetRevocationURL(),
		}, opts...)
		if err != nil {
			return nil, err
		}
		d.provider = p
		d.loginURLs = p
	case c.GetIssuerURL() != "" || c.GetClientID() != "":
		return nil, apperrors.Wrapf(apperrors.ErrMissingConfig, "OIDC_ISSUER_URL and OIDC_CLIENT_ID must be set together")
	default:
		logger.Warn().Msg("No OIDC issuer configured, using the in-memory identity provider")
		d.provider = providerfake.NewFakeProvider()
	}
	return d, nil
}

func (d *dependencies) Close() {
	if d.profiles != nil {
		_ = d.profiles.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}
