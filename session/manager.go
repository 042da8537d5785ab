package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/graffiti-protocol/graffiti-go/identity"
	"github.com/graffiti-protocol/graffiti-go/internal/logging"
)

// GroupTimeout bounds how long one authorization-endpoint group's flow may
// take before the whole login/logout attempt fails (spec §5 "Timeouts").
const GroupTimeout = 5 * time.Minute

// ErrLoginInProgress is returned when a second login is attempted for an
// actor that already has one in flight (spec §4.J "Concurrent logins for
// the same actor are rejected").
var ErrLoginInProgress = errors.New("session: login already in progress for this actor")

// ErrNotLoggedIn is returned by Logout for an actor with no stored
// session.
var ErrNotLoggedIn = errors.New("session: actor is not logged in")

// Manager runs the login/logout state machine described in spec §4.J,
// persisting progress to a Store so that Status reports a flow interrupted
// by a browser redirect or CLI restart. Login starts every group afresh; it
// does not pick up from a persisted InProgress record.
type Manager struct {
	store Store

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewManager builds a Manager persisting to store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, inFlight: make(map[string]bool)}
}

// Status reports the actor's current place in the state machine, reading
// any persisted InProgress record left by a process that restarted
// mid-flow.
func (m *Manager) Status(actor string) (Status, error) {
	if _, ok, err := m.store.LoadLoggedIn(actor); err != nil {
		return StatusLoggedOut, err
	} else if ok {
		return StatusLoggedIn, nil
	}
	if _, ok, err := m.store.LoadLoginInProgress(actor); err != nil {
		return StatusLoggedOut, err
	} else if ok {
		return StatusLoggingIn, nil
	}
	if _, ok, err := m.store.LoadLogoutInProgress(actor); err != nil {
		return StatusLoggedOut, err
	} else if ok {
		return StatusLoggingOut, nil
	}
	return StatusLoggedOut, nil
}

// groupServices partitions an identity document's services by the
// authorization endpoint that guards them, matching spec §4.J's "groups
// all services ... by their advertised authorization endpoint".
func groupServices(doc identity.Document) map[string][]string {
	groups := make(map[string][]string)
	for _, svc := range doc.Services {
		groups[svc.AuthorizationEP] = append(groups[svc.AuthorizationEP], svc.Endpoint)
	}
	return groups
}

// Login runs the authorization flow once per authorization-endpoint group
// in doc, fans them out concurrently, and persists the combined result as
// a StoredSession. A login already in flight for this actor is rejected.
func (m *Manager) Login(ctx context.Context, doc identity.Document, authorizer Authorizer) (StoredSession, error) {
	log := logging.NewLogger("session", "Login")
	log.WithField("actor", doc.Actor).Debug("starting login")

	m.mu.Lock()
	if m.inFlight[doc.Actor] {
		m.mu.Unlock()
		return StoredSession{}, ErrLoginInProgress
	}
	m.inFlight[doc.Actor] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, doc.Actor)
		m.mu.Unlock()
	}()

	groups := groupServices(doc)
	progress := InProgress{Actor: doc.Actor}
	for authEP, endpoints := range groups {
		progress.Groups = append(progress.Groups, GroupToken{AuthorizationEndpoint: authEP, ServiceEndpoints: endpoints})
	}
	if err := m.store.SaveLoginInProgress(progress); err != nil {
		return StoredSession{}, err
	}

	type groupResult struct {
		idx   int
		token string
		err   error
	}
	results := make(chan groupResult, len(progress.Groups))

	var wg sync.WaitGroup
	for i, g := range progress.Groups {
		wg.Add(1)
		go func(i int, g GroupToken) {
			defer wg.Done()
			groupCtx, cancel := context.WithTimeout(ctx, GroupTimeout)
			defer cancel()
			token, err := authorizer.Authorize(groupCtx, g.AuthorizationEndpoint, doc.Actor, g.ServiceEndpoints)
			results <- groupResult{idx: i, token: token, err: err}
		}(i, g)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			log.WithError(r.err, "authorize_failed", "login").Error("authorization group failed")
			_ = m.store.DeleteLoginInProgress(doc.Actor)
			return StoredSession{}, fmt.Errorf("session: authorization failed for group %q: %w", progress.Groups[r.idx].AuthorizationEndpoint, r.err)
		}
		progress.Groups[r.idx].Token = r.token
		progress.TokensComplete++
		if err := m.store.SaveLoginInProgress(progress); err != nil {
			return StoredSession{}, err
		}
	}

	stored := StoredSession{Actor: doc.Actor, Tokens: progress.Groups}
	if err := m.store.SaveLoggedIn(stored); err != nil {
		return StoredSession{}, err
	}
	_ = m.store.DeleteLoginInProgress(doc.Actor)

	log.WithField("actor", doc.Actor).Info("login complete")
	return stored, nil
}

// Revoker is the external collaborator that invalidates a previously
// issued token, mirroring Authorizer's out-of-scope OAuth boundary.
type Revoker interface {
	Revoke(ctx context.Context, authEndpoint, token string) error
}

// RevokerFunc adapts a plain function to Revoker.
type RevokerFunc func(ctx context.Context, authEndpoint, token string) error

// Revoke implements Revoker.
func (f RevokerFunc) Revoke(ctx context.Context, authEndpoint, token string) error {
	return f(ctx, authEndpoint, token)
}

// Logout revokes every group token for actor and clears its stored session.
func (m *Manager) Logout(ctx context.Context, actor string, revoker Revoker) error {
	log := logging.NewLogger("session", "Logout")
	log.WithField("actor", actor).Debug("starting logout")

	stored, ok, err := m.store.LoadLoggedIn(actor)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotLoggedIn
	}

	progress := InProgress{Actor: actor, Groups: stored.Tokens}
	if err := m.store.SaveLogoutInProgress(progress); err != nil {
		return err
	}

	var firstErr error
	for i, g := range progress.Groups {
		groupCtx, cancel := context.WithTimeout(ctx, GroupTimeout)
		err := revoker.Revoke(groupCtx, g.AuthorizationEndpoint, g.Token)
		cancel()
		if err != nil {
			log.WithError(err, "revoke_failed", "logout").Warn("revoke failed for group; continuing")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		progress.TokensComplete++
		_ = m.store.SaveLogoutInProgress(progress)
		_ = i
	}

	_ = m.store.DeleteLogoutInProgress(actor)
	if err := m.store.DeleteLoggedIn(actor); err != nil {
		return err
	}

	log.WithField("actor", actor).Info("logout complete")
	return firstErr
}

// Resolve reconstitutes the rich endpoint/token Session the protocol layer
// needs from a persisted StoredSession and a fresh identity document,
// matching group tokens to the services (personal inbox, storage bucket,
// shared inboxes) they authorize (spec §4.J "resolveSession").
func Resolve(stored StoredSession, doc identity.Document) (Session, error) {
	tokenFor := func(endpoint string) string {
		for _, g := range stored.Tokens {
			for _, ep := range g.ServiceEndpoints {
				if ep == endpoint {
					return g.Token
				}
			}
		}
		return ""
	}

	sess := Session{Actor: stored.Actor}
	for _, svc := range doc.Services {
		ep := Endpoint{Endpoint: svc.Endpoint, Token: tokenFor(svc.Endpoint)}
		switch svc.Type {
		case identity.ServiceTypeStorageBucket:
			sess.StorageBucket = ep
		case identity.ServiceTypePersonalInbox:
			sess.PersonalInbox = ep
		case identity.ServiceTypeSharedInbox:
			sess.SharedInboxes = append(sess.SharedInboxes, ep)
		}
	}
	return sess, nil
}
