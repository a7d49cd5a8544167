package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenStoreReserveAndRelease(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewTokenStore(client, time.Minute)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "req-1")
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if !mr.Exists("terratueftler:request:req-1") {
		t.Fatalf("expected redis key to be set")
	}

	ok, err = store.Reserve(ctx, "req-1")
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Fatalf("duplicate token was accepted")
	}

	store.Release(ctx, "req-1")
	if mr.Exists("terratueftler:request:req-1") {
		t.Fatalf("expected redis key to be removed")
	}
	if ok, _ := store.Reserve(ctx, "req-1"); !ok {
		t.Fatalf("released token not reusable")
	}
}

func TestTokenExpiresAfterTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewTokenStore(client, time.Minute)
	ctx := context.Background()

	if ok, _ := store.Reserve(ctx, "req-2"); !ok {
		t.Fatalf("reserve failed")
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := store.Reserve(ctx, "req-2"); !ok {
		t.Fatalf("expired token still blocked")
	}
}
