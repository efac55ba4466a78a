package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisBackendRoundTripAndTTL(t *testing.T) {
	mr, rdb := newRedisTest(t)
	ctx := context.Background()
	b := NewRedisBackend(rdb, "ra:u-1")

	if err := b.Set(ctx, KeyAccessToken, "tok", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("ra:u-1:auth_token") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := mr.TTL("ra:u-1:auth_token"); ttl != time.Hour {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	v, ok, err := b.Get(ctx, KeyAccessToken)
	if err != nil || !ok || v != "tok" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok, _ := b.Get(ctx, KeyAccessToken); ok {
		t.Fatal("key should have expired")
	}

	if err := b.Set(ctx, KeyUser, "{}", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("ra:u-1:user"); ttl != 0 {
		t.Fatalf("zero max age must not expire, ttl=%s", ttl)
	}
	if err := b.Delete(ctx, KeyUser, "missing"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("ra:u-1:user") {
		t.Fatal("key should be deleted")
	}
}

func TestRedisBackendStoreRoundTrip(t *testing.T) {
	_, rdb := newRedisTest(t)
	ctx := context.Background()
	store := NewStore(NewRedisBackend(rdb, ""), nil)
	sess := authenticated(t)
	if err := store.Write(ctx, sess); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := store.Read(ctx); !got.Equal(sess) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRedisBackendUnavailable(t *testing.T) {
	mr, rdb := newRedisTest(t)
	b := NewRedisBackend(rdb, "")
	mr.Close()

	ctx := context.Background()
	if _, _, err := b.Get(ctx, KeyAccessToken); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	store := NewStore(b, nil)
	if got := store.Read(ctx); !got.Equal(Anonymous()) {
		t.Fatalf("unavailable redis must read as anonymous, got %+v", got)
	}
}

func TestRedisBroadcasterDeliversAcrossClients(t *testing.T) {
	mr, rdb := newRedisTest(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	pub := NewRedisBroadcaster(rdb, "", nil)
	sub := NewRedisBroadcaster(other, "", nil)
	defer pub.Close()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, stop, err := sub.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	want := Invalidation{UserID: "u-1", Reason: ReasonLogout, Origin: "bff-1", At: time.Unix(1700000000, 0).UTC()}
	if err := pub.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.UserID != want.UserID || got.Reason != want.Reason || got.Origin != want.Origin || !got.At.Equal(want.At) {
			t.Fatalf("unexpected invalidation %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for invalidation")
	}
}

func TestLocalBroadcaster(t *testing.T) {
	b := NewLocalBroadcaster()
	ctx := context.Background()
	ch1, stop1, _ := b.Subscribe(ctx)
	ch2, _, _ := b.Subscribe(ctx)

	if err := b.Publish(ctx, Invalidation{UserID: "u", Reason: ReasonRoleChanged}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := <-ch1; got.Reason != ReasonRoleChanged {
		t.Fatalf("ch1 got %+v", got)
	}
	if got := <-ch2; got.UserID != "u" {
		t.Fatalf("ch2 got %+v", got)
	}

	stop1()
	stop1()
	if _, open := <-ch1; open {
		t.Fatal("cancelled subscription should be closed")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, open := <-ch2; open {
		t.Fatal("Close should close remaining subscriptions")
	}
	if err := b.Publish(ctx, Invalidation{}); err == nil {
		t.Fatal("publish after close should fail")
	}
}
