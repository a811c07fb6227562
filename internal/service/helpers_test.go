package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/apra1107-crypto/erp-sub003/internal/apiclient"
	"github.com/apra1107-crypto/erp-sub003/internal/channel"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/entitlement"
	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
	"github.com/apra1107-crypto/erp-sub003/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock — управляемые часы.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeBackend — управляемый backend. Счётчики вызовов защищены mu.
type fakeBackend struct {
	mu sync.Mutex

	statusFn    func(ctx context.Context, instituteID string) (entitlement.Snapshot, error)
	statusCalls int

	verifyFn    func(ctx context.Context, role model.Role, identityID, code string) (*model.Identity, error)
	verifyCalls int

	loginFn func(role model.Role, identifier, secret string) (*model.Identity, error)

	accounts      []model.KnownAccountEntry
	accountsCalls int

	profileFn func(role model.Role, token string) (*model.Identity, error)
}

func (b *fakeBackend) SubscriptionStatus(ctx context.Context, _ string, instituteID string) (entitlement.Snapshot, error) {
	b.mu.Lock()
	b.statusCalls++
	fn := b.statusFn
	b.mu.Unlock()
	if fn == nil {
		return entitlement.Snapshot{}, apiclient.ErrUnavailable
	}
	return fn(ctx, instituteID)
}

func (b *fakeBackend) VerifyCode(ctx context.Context, role model.Role, _ string, identityID, code string) (*model.Identity, error) {
	b.mu.Lock()
	b.verifyCalls++
	fn := b.verifyFn
	b.mu.Unlock()
	if fn == nil {
		return nil, apiclient.ErrRejected
	}
	return fn(ctx, role, identityID, code)
}

func (b *fakeBackend) Login(_ context.Context, role model.Role, identifier, secret string) (*model.Identity, error) {
	if b.loginFn == nil {
		return nil, apiclient.ErrRejected
	}
	return b.loginFn(role, identifier, secret)
}

func (b *fakeBackend) Accounts(_ context.Context, _ model.Role, _ string) ([]model.KnownAccountEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountsCalls++
	return b.accounts, nil
}

func (b *fakeBackend) Profile(_ context.Context, role model.Role, token string) (*model.Identity, error) {
	if b.profileFn == nil {
		return nil, apiclient.ErrUnavailable
	}
	return b.profileFn(role, token)
}

func (b *fakeBackend) calls() (status, verify int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls, b.verifyCalls
}

// fakeChannel — канал без сети: тест сам доставляет события.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]channel.Handler
	source   channel.RoomSource
	started  bool
	closed   bool
	resyncs  int
	resets   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]channel.Handler)}
}

func (c *fakeChannel) On(event string, h channel.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *fakeChannel) SetRoomSource(src channel.RoomSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
}

func (c *fakeChannel) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return channel.ErrClosed
	}
	if c.started {
		return channel.ErrAlreadyStarted
	}
	c.started = true
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resyncs++
}

func (c *fakeChannel) ResetIntents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed
}

func (c *fakeChannel) JoinedRooms() []model.Room {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()
	if src == nil {
		return nil
	}
	return src()
}

// emit доставляет событие сервера зарегистрированному обработчику.
func (c *fakeChannel) emit(t *testing.T, event string, payload string) error {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[event]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("нет обработчика для %s", event)
	}
	return h(json.RawMessage(payload))
}

// recordingAlerter запоминает показанные уведомления.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *recordingAlerter) Alert(alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) list() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

// waitFor ждёт выполнения условия.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("не дождались: %s", what)
}

func newTestIdentityStore() *store.IdentityStore {
	return store.NewIdentityStore(store.NewMemoryKV(), testLogger())
}

func adminIdentity() *model.Identity {
	return &model.Identity{
		ID:              "adm-1",
		Role:            model.RoleAdmin,
		DisplayName:     "Principal",
		InstituteID:     "inst-1",
		CredentialToken: "tok-adm-1",
	}
}

func learnerIdentity(id, token string) *model.Identity {
	return &model.Identity{
		ID:              id,
		Role:            model.RoleLearner,
		DisplayName:     "Learner " + id,
		InstituteID:     "inst-1",
		CredentialToken: token,
	}
}

func activeUntil(t time.Time) entitlement.Snapshot {
	return entitlement.Snapshot{Status: entitlement.StatusActive, ExpiresAt: &t}
}

func statusOnly(s entitlement.Status) entitlement.Snapshot {
	return entitlement.Snapshot{Status: s}
}

var errBoom = errors.New("boom")
