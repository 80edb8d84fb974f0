package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/authsession"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	openURL := flag.String("open", "", "redirect URL the daemon was launched with, e.g. from an OS URL handler")
	flag.Parse()

	for {
		err := run(*openURL)
		if err == nil {
			break
		}
		if apperrors.Is(err, apperrors.ErrMissingConfig) {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
		log.Error().Err(err).Msg("Error running session daemon")
		time.Sleep(1 * time.Second)
		// A redirect can only be consumed once.
		*openURL = ""
	}
	log.Info().Msg("Session daemon stopped")
}

func run(openURL string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.New()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrMissingConfig, "%v", err)
	}
	logger := newLogger(c)
	log.Logger = logger
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildDependencies(ctx, c, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	opts := []authsession.Option{
		authsession.WithLogger(logger),
		authsession.WithTimings(timingsFromConfig(c)),
		authsession.WithArtifacts(deps.artifacts),
	}
	if openURL != "" {
		location, err := authsession.NewStaticLocation(openURL)
		if err != nil {
			return apperrors.Wrapf(apperrors.ErrMissingConfig, "-open: %v", err)
		}
		opts = append(opts, authsession.WithLocation(location))
	}

	manager, err := authsession.New(deps.provider, deps.profiles, opts...)
	if err != nil {
		return fmt.Errorf("authsession.New: %w", err)
	}
	defer func() { _ = manager.Close() }()

	serverOpts := []server.Option{server.WithLogger(logger)}
	if deps.loginURLs != nil {
		serverOpts = append(serverOpts, server.WithLoginURLBuilder(deps.loginURLs))
	}
	handler, err := server.New(c.GetEnv(), manager, serverOpts...)
	if err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("manager.Start: %w", err)
	}

	httpServer := &http.Server{
		Addr:              c.GetListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(httpServer) }()

	select {
	case <-waitForStopSignal():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	return shutdown(httpServer)
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Session daemon listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func newLogger(c config.EnvConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.GetEnv() == "DEV" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("app", c.GetAppName()).Logger()
}

func timingsFromConfig(c config.LifecycleConfig) authsession.Timings {
	return authsession.Timings{
		StartupTimeout: c.GetStartupTimeout(),
		LoadingTimeout: c.GetLoadingTimeout(),
		ProbeTimeout:   c.GetProbeTimeout(),
		EnrichDebounce: c.GetEnrichDebounce(),
		EnrichInterval: c.GetEnrichInterval(),
		EnrichCooldown: c.GetEnrichCooldown(),
		PurgeTimeout:   c.GetPurgeTimeout(),
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
