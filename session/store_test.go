package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/rentauth/permission"
)

type faultyBackend struct {
	*MemoryBackend
	failGet map[string]error
	failSet map[string]error
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{
		MemoryBackend: NewMemoryBackend(),
		failGet:       map[string]error{},
		failSet:       map[string]error{},
	}
}

func (f *faultyBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.failGet[key]; err != nil {
		return "", false, err
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *faultyBackend) Set(ctx context.Context, key, value string, maxAge time.Duration) error {
	if err := f.failSet[key]; err != nil {
		return err
	}
	return f.MemoryBackend.Set(ctx, key, value, maxAge)
}

func testUser() *User {
	return &User{ID: "u-1", Email: "ana@example.com", Role: permission.RoleRenter, DisplayName: "Ana"}
}

func authenticated(t *testing.T) Session {
	t.Helper()
	sess, err := NewAuthenticated("access-1", "refresh-1", testUser())
	if err != nil {
		t.Fatalf("NewAuthenticated: %v", err)
	}
	return sess
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sess := authenticated(t)

	if err := store.Write(ctx, sess); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := store.Read(ctx)
	if !got.Equal(sess) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, sess)
	}
	if !got.Valid() {
		t.Fatal("read session breaks invariant")
	}
}

func TestStoreRoundTripDropsPassword(t *testing.T) {
	ctx := context.Background()
	tokens := NewMemoryBackend()
	profile := NewMemoryBackend()
	store := NewStore(tokens, profile)

	raw := []byte(`{"id":"u-2","email":"bo@example.com","role":"owner","password":"hunter2","passwordHash":"$argon2id$..."}`)
	user, err := DecodeUser(raw)
	if err != nil {
		t.Fatalf("DecodeUser: %v", err)
	}
	sess, err := NewAuthenticated("access", "refresh", user)
	if err != nil {
		t.Fatalf("NewAuthenticated: %v", err)
	}
	if err := store.Write(ctx, sess); err != nil {
		t.Fatalf("write: %v", err)
	}

	stored, _, _ := profile.Get(ctx, KeyUser)
	if strings.Contains(stored, "password") || strings.Contains(stored, "hunter2") {
		t.Fatalf("password material persisted: %s", stored)
	}
	got := store.Read(ctx)
	encoded, _ := json.Marshal(got.User)
	if strings.Contains(string(encoded), "password") {
		t.Fatalf("password field survived round trip: %s", encoded)
	}
	if got.User.Role != permission.RoleRenter {
		t.Fatalf("owner alias not mapped to renter: %s", got.User.Role)
	}
	if role, _, _ := tokens.Get(ctx, KeyRole); role != "renter" {
		t.Fatalf("user_role = %q", role)
	}
}

func TestStoreTierPlacementAndLifetimes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens := NewMemoryBackend()
	tokens.SetClock(func() time.Time { return now })
	profile := NewMemoryBackend()
	store := NewStore(tokens, profile)

	if err := store.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if tokens.Len() != 3 || profile.Len() != 1 {
		t.Fatalf("unexpected tier sizes tokens=%d profile=%d", tokens.Len(), profile.Len())
	}

	now = now.Add(31 * 24 * time.Hour)
	if _, ok, _ := tokens.Get(ctx, KeyAccessToken); ok {
		t.Fatal("access token should expire after 30 days")
	}
	if _, ok, _ := tokens.Get(ctx, KeyRefreshToken); !ok {
		t.Fatal("refresh token should live 90 days")
	}
	got := store.Read(ctx)
	if got.IsAuthenticated || got.RefreshToken != "refresh-1" || got.User != nil {
		t.Fatalf("expected anonymous session holding refresh token, got %+v", got)
	}

	now = now.Add(60 * 24 * time.Hour)
	if got := store.Read(ctx); got.RefreshToken != "" {
		t.Fatal("refresh token should expire after 90 days")
	}
}

func TestStoreWriteFailureClears(t *testing.T) {
	ctx := context.Background()
	tokens := NewMemoryBackend()
	profile := newFaultyBackend()
	store := NewStore(tokens, profile)

	if err := store.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("initial write: %v", err)
	}

	profile.failSet[KeyUser] = errors.New("quota exceeded")
	next, _ := NewAuthenticated("access-2", "refresh-2", testUser())
	err := store.Write(ctx, next)
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("expected ErrStoreWrite, got %v", err)
	}
	if tokens.Len() != 0 {
		t.Fatalf("token tier not cleared after failed write: %d entries", tokens.Len())
	}
	if got := store.Read(ctx); !got.Equal(Anonymous()) {
		t.Fatalf("expected anonymous after failed write, got %+v", got)
	}
}

func TestStoreReadDegradesToAnonymous(t *testing.T) {
	ctx := context.Background()
	tokens := newFaultyBackend()
	profile := NewMemoryBackend()
	var faults []string
	store := NewStore(tokens, profile, WithFaultHook(func(op string, _ error) { faults = append(faults, op) }))

	if err := store.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("write: %v", err)
	}

	tokens.failGet[KeyAccessToken] = errors.New("storage disabled")
	if got := store.Read(ctx); !got.Equal(Anonymous()) {
		t.Fatalf("expected anonymous on read fault, got %+v", got)
	}
	delete(tokens.failGet, KeyAccessToken)

	if err := profile.Set(ctx, KeyUser, "{not json", 0); err != nil {
		t.Fatalf("seed corrupt user: %v", err)
	}
	got := store.Read(ctx)
	if got.IsAuthenticated || got.User != nil || got.AccessToken != "" {
		t.Fatalf("corrupt user must read as anonymous, got %+v", got)
	}
	if len(faults) != 2 || faults[0] != "read_tokens" || faults[1] != "decode_user" {
		t.Fatalf("unexpected faults %v", faults)
	}
}

func TestStoreRejectsInvalidSession(t *testing.T) {
	store := NewMemoryStore()
	bad := Session{AccessToken: "x", IsAuthenticated: true}
	if err := store.Write(context.Background(), bad); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := NewAuthenticated("", "r", testUser()); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if _, err := NewAuthenticated("a", "r", &User{ID: "u"}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}

func TestStoreClearKeepsIntendedRoute(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.SetIntendedRoute(ctx, "/renter/properties/9"); err != nil {
		t.Fatalf("set intended route: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got := store.Read(ctx)
	if got.AccessToken != "" || got.RefreshToken != "" || got.User != nil || got.IsAuthenticated {
		t.Fatalf("expected empty session after clear, got %+v", got)
	}
	route, ok := store.TakeIntendedRoute(ctx)
	if !ok || route != "/renter/properties/9" {
		t.Fatalf("TakeIntendedRoute = %q, %v", route, ok)
	}
	if _, ok := store.IntendedRoute(ctx); ok {
		t.Fatal("intended route must be consumed")
	}
}

func TestStoreUpdateUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("write: %v", err)
	}
	name := "Ana Maria"
	updated := UserPatch{DisplayName: &name}.Apply(testUser())
	if err := store.UpdateUser(ctx, updated); err != nil {
		t.Fatalf("update user: %v", err)
	}
	got := store.Read(ctx)
	if got.User.DisplayName != "Ana Maria" || got.AccessToken != "access-1" {
		t.Fatalf("unexpected session after update: %+v", got)
	}
}

func TestWriteAnonymousClears(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Write(ctx, Anonymous()); err != nil {
		t.Fatalf("write anonymous: %v", err)
	}
	if got := store.Read(ctx); !got.Equal(Anonymous()) {
		t.Fatalf("expected anonymous, got %+v", got)
	}
}

func TestWithPrefixIsolatesClients(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryBackend()
	a := NewStore(WithPrefix(shared, "client-a"), nil)
	b := NewStore(WithPrefix(shared, "client-b"), nil)

	if err := a.Write(ctx, authenticated(t)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := b.Read(ctx); got.IsAuthenticated {
		t.Fatal("prefixed stores must not share sessions")
	}
	if err := b.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := a.Read(ctx); !got.IsAuthenticated {
		t.Fatal("clearing one prefix must not touch another")
	}
}

func TestNilUserSubject(t *testing.T) {
	var u *User
	if _, ok := u.PermissionRole(); ok {
		t.Fatal("nil user must not report a role")
	}
	if permission.DefaultPolicy().CanAccessRoute(u, "/profile") {
		t.Fatal("nil user must not access routes")
	}
}
