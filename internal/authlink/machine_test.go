package authlink

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/linkgate/internal/directory"
	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk"
	"github.com/ashureev/linkgate/internal/redirect"
	"github.com/ashureev/linkgate/internal/session"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu       sync.Mutex
	initErr  error
	loggedIn bool
	profile  domain.HostIdentity
	logins   []hostsdk.LoginRequest
}

func (f *fakeHost) Init(context.Context, string) error { return f.initErr }
func (f *fakeHost) IsLoggedIn(context.Context) bool    { return f.loggedIn }

func (f *fakeHost) Login(_ context.Context, req hostsdk.LoginRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, req)
	return "https://access.example.com/authorize", nil
}

func (f *fakeHost) GetProfile(context.Context) (domain.HostIdentity, error) {
	return f.profile, nil
}

type fakeDirectory struct {
	mu         sync.Mutex
	employee   *domain.Employee
	lookupErr  error
	lookupGate chan struct{}
	outcomes   []domain.LinkOutcome
	linkErr    error
	linkGate   chan struct{}
	linkCalls  int
}

func (f *fakeDirectory) LookupByExternalID(_ context.Context, _ string) (*domain.Employee, error) {
	if f.lookupGate != nil {
		<-f.lookupGate
	}
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.employee == nil {
		return nil, directory.ErrNotFound
	}
	return f.employee, nil
}

func (f *fakeDirectory) LinkByPhone(_ context.Context, _, _ string) (domain.LinkOutcome, error) {
	f.mu.Lock()
	f.linkCalls++
	call := f.linkCalls
	f.mu.Unlock()

	if f.linkGate != nil {
		<-f.linkGate
	}
	if f.linkErr != nil {
		return domain.LinkOutcome{}, f.linkErr
	}
	if call-1 < len(f.outcomes) {
		return f.outcomes[call-1], nil
	}
	return domain.LinkFailed("no more outcomes"), nil
}

func (f *fakeDirectory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkCalls
}

var somchai = &domain.Employee{UID: "emp-1", DisplayName: "Somchai", ExternalID: "U1"}

func newMachine(t *testing.T, rawURL, appID string, host *fakeHost, dir *fakeDirectory) *Machine {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	page := session.PageLoad{ID: "page-1", URL: u}
	return New(page, session.New(appID, host, nil), dir, nil)
}

func loggedInHost() *fakeHost {
	return &fakeHost{loggedIn: true, profile: domain.HostIdentity{DisplayName: "Somchai", ExternalID: "U1"}}
}

func TestRun_NotLoggedInAwaitsLogin(t *testing.T) {
	host := &fakeHost{}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", host, &fakeDirectory{})

	snap := m.Run(context.Background())
	require.Equal(t, AwaitingLogin, snap.State)
	require.NotEmpty(t, snap.LoginURL)
	require.Len(t, host.logins, 1)
	require.Equal(t, "profile openid chat_message.write", host.logins[0].Scope)

	// A second run does not trigger another login.
	snap = m.Run(context.Background())
	require.Equal(t, AwaitingLogin, snap.State)
	require.Len(t, host.logins, 1)
}

func TestRun_ConcurrentRunsTriggerOneLogin(t *testing.T) {
	host := &fakeHost{}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", host, &fakeDirectory{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, AwaitingLogin, m.Snapshot().State)
	require.Len(t, host.logins, 1)
}

func TestRun_LinkedEmployeeIsReady(t *testing.T) {
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), &fakeDirectory{employee: somchai})

	snap := m.Run(context.Background())
	require.Equal(t, Ready, snap.State)
	require.Equal(t, "emp-1", snap.Employee.UID)
	require.Equal(t, "U1", snap.Session.ExternalID())
	require.Nil(t, snap.Error)
}

func TestRun_HostInitFailureIsFatal(t *testing.T) {
	host := &fakeHost{initErr: errors.New("sdk exploded")}
	dir := &fakeDirectory{}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", host, dir)

	snap := m.Run(context.Background())
	require.Equal(t, FatalError, snap.State)
	require.Equal(t, FailureHostInitialization, snap.Error.Kind)
	require.True(t, snap.Error.Retryable)
	version := snap.Version

	again := m.Run(context.Background())
	require.Equal(t, FatalError, again.State)
	require.Equal(t, version, again.Version)

	_, err := m.SubmitPhone(context.Background(), "0812345678")
	require.True(t, errors.Is(err, ErrNotLinkable))
	require.Equal(t, version, m.Snapshot().Version)
	require.Zero(t, dir.calls())
}

func TestRun_MissingAppIDIsConfigurationError(t *testing.T) {
	m := newMachine(t, "https://app.example.com/confirm", "", loggedInHost(), &fakeDirectory{})

	snap := m.Run(context.Background())
	require.Equal(t, FatalError, snap.State)
	require.Equal(t, FailureConfiguration, snap.Error.Kind)
	require.False(t, snap.Error.Retryable)
}

func TestRun_IdentityLookupErrorIsFatal(t *testing.T) {
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), &fakeDirectory{lookupErr: errors.New("db down")})

	snap := m.Run(context.Background())
	require.Equal(t, FatalError, snap.State)
	require.Equal(t, FailureIdentityLookup, snap.Error.Kind)
	require.NotNil(t, snap.Session)
}

func TestRun_RedirectStaysBootstrapping(t *testing.T) {
	host := loggedInHost()
	m := newMachine(t, "https://app.example.com/?liff.state=%2Fconfirm%2Fxyz", "liff-1", host, &fakeDirectory{employee: somchai})

	snap := m.Run(context.Background())
	require.Equal(t, Bootstrapping, snap.State)
	require.NotNil(t, snap.Redirect)
	require.Equal(t, redirect.Redirect, snap.Redirect.Kind)
	require.Equal(t, "/confirm/xyz", snap.Redirect.CanonicalPath)
	require.Nil(t, snap.Session)
	require.Empty(t, host.logins)
}

func TestRun_RewriteIsCarriedThrough(t *testing.T) {
	m := newMachine(t, "https://app.example.com/confirm?liff.state=confirm", "liff-1", loggedInHost(), &fakeDirectory{employee: somchai})

	snap := m.Run(context.Background())
	require.Equal(t, Ready, snap.State)
	require.NotNil(t, snap.Redirect)
	require.Equal(t, redirect.RewriteQueryOnly, snap.Redirect.Kind)
	require.Equal(t, "/confirm", snap.Redirect.CleanURL)
}

func TestLink_SuccessAdoptsEmployee(t *testing.T) {
	dir := &fakeDirectory{outcomes: []domain.LinkOutcome{{Success: true, Employee: somchai}}}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)

	require.Equal(t, NeedsLink, m.Run(context.Background()).State)

	out, err := m.SubmitPhone(context.Background(), " 0812345678 ")
	require.NoError(t, err)
	require.True(t, out.Success)

	snap := m.Snapshot()
	require.Equal(t, Ready, snap.State)
	require.Equal(t, "emp-1", snap.Employee.UID)
	require.False(t, snap.Linking)
	require.True(t, snap.LastLink.Success)
}

func TestLink_FailureStaysInNeedsLinkAndCanRetry(t *testing.T) {
	dir := &fakeDirectory{outcomes: []domain.LinkOutcome{
		domain.LinkFailed(directory.MsgUnknownPhone),
		{Success: true, Employee: somchai},
	}}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)
	m.Run(context.Background())

	out, err := m.SubmitPhone(context.Background(), "0800000000")
	require.NoError(t, err)
	require.False(t, out.Success)

	snap := m.Snapshot()
	require.Equal(t, NeedsLink, snap.State)
	require.Equal(t, directory.MsgUnknownPhone, snap.LastLink.Error)

	out, err = m.SubmitPhone(context.Background(), "0812345678")
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, Ready, m.Snapshot().State)
	require.Equal(t, 2, dir.calls())
}

func TestLink_TransportErrorIsRecoverable(t *testing.T) {
	dir := &fakeDirectory{linkErr: errors.New("connection reset")}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)
	m.Run(context.Background())

	out, err := m.SubmitPhone(context.Background(), "0812345678")
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, msgLinkUnavailable, out.Error)
	require.Equal(t, NeedsLink, m.Snapshot().State)
}

func TestLink_EmptyPhoneRejectedLocally(t *testing.T) {
	dir := &fakeDirectory{}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)
	m.Run(context.Background())

	for _, phone := range []string{"", "   ", "\t\n"} {
		_, err := m.SubmitPhone(context.Background(), phone)
		require.True(t, errors.Is(err, ErrEmptyPhone))
	}
	require.Zero(t, dir.calls())
	require.Nil(t, m.Snapshot().LastLink)
}

func TestLink_SecondSubmissionWhilePendingRejected(t *testing.T) {
	gate := make(chan struct{})
	dir := &fakeDirectory{linkGate: gate, outcomes: []domain.LinkOutcome{{Success: true, Employee: somchai}}}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)
	m.Run(context.Background())

	done := make(chan domain.LinkOutcome, 1)
	go func() {
		out, _ := m.SubmitPhone(context.Background(), "0812345678")
		done <- out
	}()

	require.Eventually(t, func() bool { return m.Snapshot().Linking }, time.Second, time.Millisecond)

	_, err := m.SubmitPhone(context.Background(), "0812345678")
	require.True(t, errors.Is(err, ErrLinkInFlight))

	close(gate)
	out := <-done
	require.True(t, out.Success)
	require.Equal(t, 1, dir.calls())
	require.Equal(t, Ready, m.Snapshot().State)
}

func TestLink_NotAvailableWhenReady(t *testing.T) {
	dir := &fakeDirectory{employee: somchai}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)
	m.Run(context.Background())

	_, err := m.SubmitPhone(context.Background(), "0812345678")
	require.True(t, errors.Is(err, ErrNotLinkable))
	require.Zero(t, dir.calls())
}

func TestClose_DropsLateLinkResult(t *testing.T) {
	gate := make(chan struct{})
	dir := &fakeDirectory{linkGate: gate, outcomes: []domain.LinkOutcome{{Success: true, Employee: somchai}}}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)
	m.Run(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.SubmitPhone(context.Background(), "0812345678")
	}()
	require.Eventually(t, func() bool { return m.Snapshot().Linking }, time.Second, time.Millisecond)

	m.Close()
	before := m.Snapshot()
	close(gate)
	<-done

	after := m.Snapshot()
	require.Equal(t, NeedsLink, after.State)
	require.Equal(t, before.Version, after.Version)
	require.Nil(t, after.LastLink)

	_, err := m.SubmitPhone(context.Background(), "0812345678")
	require.True(t, errors.Is(err, ErrClosed))
}

func TestClose_DropsLateLookupResult(t *testing.T) {
	gate := make(chan struct{})
	dir := &fakeDirectory{employee: somchai, lookupGate: gate}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)

	done := make(chan Snapshot, 1)
	go func() { done <- m.Run(context.Background()) }()
	require.Eventually(t, func() bool { return m.Snapshot().State == ResolvingIdentity }, time.Second, time.Millisecond)

	m.Close()
	close(gate)
	snap := <-done
	require.Equal(t, ResolvingIdentity, snap.State)
	require.True(t, m.Closed())
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	dir := &fakeDirectory{outcomes: []domain.LinkOutcome{{Success: true, Employee: somchai}}}
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), dir)

	updates, cancel := m.Subscribe()
	defer cancel()

	m.Run(context.Background())
	latest := <-updates
	require.Equal(t, NeedsLink, latest.State)

	_, err := m.SubmitPhone(context.Background(), "0812345678")
	require.NoError(t, err)
	latest = <-updates
	require.Equal(t, Ready, latest.State)
	require.Equal(t, m.Snapshot().Version, latest.Version)

	m.Close()
	_, open := <-updates
	require.False(t, open)

	// Cancel after Close is a no-op.
	cancel()
}

func TestSubscribeAfterClose(t *testing.T) {
	m := newMachine(t, "https://app.example.com/confirm", "liff-1", loggedInHost(), &fakeDirectory{})
	m.Close()

	updates, cancel := m.Subscribe()
	defer cancel()
	_, open := <-updates
	require.False(t, open)
}

func TestStateTerminal(t *testing.T) {
	require.True(t, Ready.Terminal())
	require.True(t, FatalError.Terminal())
	require.True(t, AwaitingLogin.Terminal())
	require.False(t, NeedsLink.Terminal())
	require.False(t, Bootstrapping.Terminal())
}
