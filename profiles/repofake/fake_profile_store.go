package repofake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
)

var _ profiles.Store = (*FakeProfileStore)(nil)

// ErrInjected is returned when a failure has been queued with FailNext.
var ErrInjected = errors.New("fake profile store failure")

// FakeProfileStore is an in-memory profile store with knobs for the
// failure and latency cases the session manager has to survive.
type FakeProfileStore struct {
	lock      sync.Mutex
	profiles  map[string]*profiles.Profile
	failures  int
	gates     map[string]chan struct{}
	fetches   map[string]int
	creates   map[string]int
	nowTime   func() time.Time
	createErr error
}

func NewFakeProfileStore() *FakeProfileStore {
	return &FakeProfileStore{
		profiles: make(map[string]*profiles.Profile),
		gates:    make(map[string]chan struct{}),
		fetches:  make(map[string]int),
		creates:  make(map[string]int),
		nowTime:  time.Now,
	}
}

// Upsert stores p as the durable record for p.ID.
func (s *FakeProfileStore) Upsert(p *profiles.Profile) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c := p.Clone()
	c.Provenance = profiles.ProvenanceEnriched
	s.profiles[p.ID] = c
}

// FailNext makes the next n fetches fail with ErrInjected.
func (s *FakeProfileStore) FailNext(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures = n
}

// FailCreate makes every CreateProfile call return err.
func (s *FakeProfileStore) FailCreate(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.createErr = err
}

// Hold blocks fetches for identityID until the returned release function
// is called.
func (s *FakeProfileStore) Hold(identityID string) (release func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	gate := make(chan struct{})
	s.gates[identityID] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock.Lock()
			delete(s.gates, identityID)
			s.lock.Unlock()
			close(gate)
		})
	}
}

// Fetches returns how many times FetchProfile reached the store for
// identityID.
func (s *FakeProfileStore) Fetches(identityID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fetches[identityID]
}

func (s *FakeProfileStore) Creates(identityID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.creates[identityID]
}

func (s *FakeProfileStore) FetchProfile(ctx context.Context, id identity.Identity) (*profiles.Profile, error) {
	s.lock.Lock()
	s.fetches[id.ID]++
	gate := s.gates[id.ID]
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, ErrInjected
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.profiles[id.ID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *FakeProfileStore) CreateProfile(_ context.Context, id identity.Identity) (*profiles.Profile, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.creates[id.ID]++
	if s.createErr != nil {
		return nil, s.createErr
	}
	if p, ok := s.profiles[id.ID]; ok {
		return p.Clone(), nil
	}
	p := profiles.NewRecord(id, s.nowTime())
	s.profiles[id.ID] = p
	return p.Clone(), nil
}
