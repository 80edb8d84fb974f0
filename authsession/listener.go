package authsession

import (
	"fmt"

	"github.com/jrsteele09/go-auth-session/identity"
)

const eventBuffer = 64

// listen subscribes to the provider's auth-state stream. Events are handed
// to a single goroutine so they are applied in the order they arrive.
func (m *Manager) listen() {
	events := make(chan identity.Event, eventBuffer)
	m.unsubscribe = m.provider.OnAuthStateChange(func(ev identity.Event) {
		select {
		case events <- ev:
		case <-m.ctx.Done():
		}
	})

	m.listenerDone = make(chan struct{})
	go func() {
		defer close(m.listenerDone)
		for {
			select {
			case <-m.ctx.Done():
				return
			case ev := <-events:
				m.handleEvent(ev)
			}
		}
	}()
}

func (m *Manager) handleEvent(ev identity.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("auth event handler panic: %v", r)
			m.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("Recovered from auth event panic")
			m.recordDiagnostic("listener", err)
		}
	}()

	if ev.Session != nil && ev.Session.Identity.ID == "" {
		m.logger.Warn().Str("event", string(ev.Kind)).Msg("Ignoring auth event with a session but no identity")
		m.recordDiagnostic("listener", fmt.Errorf("%s event carried a session without identity", ev.Kind))
		return
	}

	m.logger.Debug().Str("event", string(ev.Kind)).Bool("session", ev.Session != nil).Msg("Auth state change")
	m.apply(ev.Session, ev.Kind)
}
