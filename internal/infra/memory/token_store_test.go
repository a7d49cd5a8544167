package memory

import (
	"context"
	"testing"
	"time"
)

func TestTokenStoreReserveAndRelease(t *testing.T) {
	store := NewTokenStore(time.Hour)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "req-1")
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Reserve(ctx, "req-1"); ok {
		t.Fatalf("duplicate token was accepted")
	}

	store.Release(ctx, "req-1")
	if ok, _ := store.Reserve(ctx, "req-1"); !ok {
		t.Fatalf("released token not reusable")
	}
}

func TestTokenStoreClearsOnInterval(t *testing.T) {
	store := NewTokenStore(10 * time.Millisecond)
	defer store.Close()
	ctx := context.Background()

	if ok, _ := store.Reserve(ctx, "req-2"); !ok {
		t.Fatalf("reserve failed")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := store.Reserve(ctx, "req-2"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("token set was never cleared")
}
