// Package authsession manages the lifecycle of a client-side authenticated
// session: it restores the session at startup, completes authorization
// redirects, follows the identity provider's auth-state stream, enriches
// the user's profile in the background and tears everything down on logout.
//
// All state lives in one Store. Every writer goes through Store.Update, so
// consumers see a totally ordered sequence of snapshots, and an identity
// switch is always observed as a fully cleared snapshot followed by the new
// identity's snapshot. Late profile results are dropped unless they still
// match the current identity. Watchdog timers bound how long IsLoading can
// stay true.
//
// Typical use:
//
//	m, err := authsession.New(provider, profileStore,
//		authsession.WithArtifacts(cache),
//		authsession.WithLocation(location),
//	)
//	unsubscribe := m.Subscribe(render)
//	m.Start(ctx)
//	defer m.Close()
package authsession
