package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graffiti-protocol/graffiti-go/identity"
)

func sampleDoc() identity.Document {
	return identity.Document{
		Actor: "did:web:a.test",
		Services: []identity.Service{
			{ID: "bucket", Type: identity.ServiceTypeStorageBucket, Endpoint: "https://bucket.test", AuthorizationEP: "https://auth1.test"},
			{ID: "inbox", Type: identity.ServiceTypePersonalInbox, Endpoint: "https://inbox.test", AuthorizationEP: "https://auth1.test"},
			{ID: "shared", Type: identity.ServiceTypeSharedInbox, Endpoint: "https://shared.test", AuthorizationEP: "https://auth2.test"},
		},
	}
}

func TestLoginGroupsByAuthorizationEndpoint(t *testing.T) {
	m := NewManager(NewMemStore())
	var seenGroups [][]string
	authorizer := AuthorizerFunc(func(_ context.Context, authEP, actor string, endpoints []string) (string, error) {
		seenGroups = append(seenGroups, endpoints)
		return "token-" + authEP, nil
	})

	stored, err := m.Login(context.Background(), sampleDoc(), authorizer)
	require.NoError(t, err)
	assert.Len(t, stored.Tokens, 2)

	status, err := m.Status("did:web:a.test")
	require.NoError(t, err)
	assert.Equal(t, StatusLoggedIn, status)
}

func TestConcurrentLoginRejected(t *testing.T) {
	m := NewManager(NewMemStore())
	started := make(chan struct{})
	release := make(chan struct{})
	authorizer := AuthorizerFunc(func(_ context.Context, authEP, actor string, endpoints []string) (string, error) {
		close(started)
		<-release
		return "tok", nil
	})

	doc := identity.Document{Actor: "did:web:a.test", Services: []identity.Service{
		{Type: identity.ServiceTypePersonalInbox, Endpoint: "https://inbox.test", AuthorizationEP: "https://auth.test"},
	}}

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Login(context.Background(), doc, authorizer)
		errCh <- err
	}()
	<-started

	_, err := m.Login(context.Background(), doc, authorizer)
	assert.ErrorIs(t, err, ErrLoginInProgress)

	close(release)
	require.NoError(t, <-errCh)
}

func TestLoginFailurePropagates(t *testing.T) {
	m := NewManager(NewMemStore())
	wantErr := errors.New("boom")
	authorizer := AuthorizerFunc(func(context.Context, string, string, []string) (string, error) {
		return "", wantErr
	})

	_, err := m.Login(context.Background(), sampleDoc(), authorizer)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)

	status, err := m.Status("did:web:a.test")
	require.NoError(t, err)
	assert.Equal(t, StatusLoggedOut, status)
}

func TestLogoutClearsSession(t *testing.T) {
	m := NewManager(NewMemStore())
	authorizer := AuthorizerFunc(func(_ context.Context, authEP, _ string, _ []string) (string, error) {
		return "tok-" + authEP, nil
	})
	_, err := m.Login(context.Background(), sampleDoc(), authorizer)
	require.NoError(t, err)

	revoker := RevokerFunc(func(context.Context, string, string) error { return nil })
	require.NoError(t, m.Logout(context.Background(), "did:web:a.test", revoker))

	status, err := m.Status("did:web:a.test")
	require.NoError(t, err)
	assert.Equal(t, StatusLoggedOut, status)
}

func TestResolveMapsServicesToTokens(t *testing.T) {
	doc := sampleDoc()
	stored := StoredSession{
		Actor: doc.Actor,
		Tokens: []GroupToken{
			{AuthorizationEndpoint: "https://auth1.test", Token: "tok1", ServiceEndpoints: []string{"https://bucket.test", "https://inbox.test"}},
			{AuthorizationEndpoint: "https://auth2.test", Token: "tok2", ServiceEndpoints: []string{"https://shared.test"}},
		},
	}

	sess, err := Resolve(stored, doc)
	require.NoError(t, err)
	assert.Equal(t, "tok1", sess.StorageBucket.Token)
	assert.Equal(t, "tok1", sess.PersonalInbox.Token)
	require.Len(t, sess.SharedInboxes, 1)
	assert.Equal(t, "tok2", sess.SharedInboxes[0].Token)
}
