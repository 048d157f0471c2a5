package ctxmgr

import (
	"errors"
	"testing"
	"time"
)

func TestReload_Success(t *testing.T) {
	snap := testSnapshot()
	initial, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := NewManager(initial, time.Second)

	err = m.Reload(func(old *Context) (*Context, error) {
		next := testSnapshot()
		next.AuthservID = "reloaded.example.net"
		return Build(next, old)
	})
	if err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}

	cur := m.Acquire()
	defer cur.Unref()
	if cur.AuthservID != "reloaded.example.net" {
		t.Fatalf("expected reloaded authserv-id, got %q", cur.AuthservID)
	}
}

func TestReload_BuildFailureLeavesContextUnchanged(t *testing.T) {
	snap := testSnapshot()
	initial, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := NewManager(initial, time.Second)

	wantErr := errors.New("bad config")
	err = m.Reload(func(old *Context) (*Context, error) {
		return nil, wantErr
	})
	if err == nil {
		t.Fatal("expected reload to fail")
	}

	cur := m.Acquire()
	defer cur.Unref()
	if cur != initial {
		t.Fatal("expected the running context to be unchanged after a failed reload")
	}
}

func TestReload_SessionsHoldingOldContextKeepItAliveUntilReleased(t *testing.T) {
	snap := testSnapshot()
	initial, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := NewManager(initial, time.Second)

	// Simulate a session that connected before the reload.
	sessionRef := m.Acquire()

	err = m.Reload(func(old *Context) (*Context, error) {
		next := testSnapshot()
		return Build(next, old)
	})
	if err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}

	if sessionRef.refcount < 1 {
		t.Fatal("expected the session's reference to keep the old context alive")
	}
	sessionRef.Unref()
}

func TestReload_WriteLockTimeout(t *testing.T) {
	snap := testSnapshot()
	initial, err := Build(snap, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := NewManager(initial, 20*time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.Reload(func(old *Context) (*Context, error) {
		return Build(testSnapshot(), old)
	})
	if err == nil {
		t.Fatal("expected reload to time out while the write lock is held elsewhere")
	}
}
