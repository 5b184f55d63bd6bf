package memstore

import (
	"context"
	"testing"
)

func TestKeyedMutex_DropsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	if err := k.lock(ctx, "account:a"); err != nil {
		t.Fatal(err)
	}
	if err := k.lock(ctx, "account:b"); err != nil {
		t.Fatal(err)
	}
	if got := k.size(); got != 2 {
		t.Fatalf("expected 2 live keys, got %d", got)
	}

	k.unlock("account:a")
	k.unlock("account:b")
	if got := k.size(); got != 0 {
		t.Fatalf("expected idle keys to be dropped, got %d", got)
	}
}

func TestKeyedMutex_CancelledWaiterLeavesNoSlot(t *testing.T) {
	k := newKeyedMutex()
	if err := k.lock(context.Background(), "owner:1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.lock(ctx, "owner:1"); err == nil {
		t.Fatal("expected cancelled waiter to fail")
	}

	k.unlock("owner:1")
	if got := k.size(); got != 0 {
		t.Fatalf("expected no slots, got %d", got)
	}
}
