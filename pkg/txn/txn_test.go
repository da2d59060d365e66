package txn

import "testing"

func TestTransaction_Visibility(t *testing.T) {
	reg := NewRegistry()
	tx := New(Snapshot, reg)
	tx.Begin(10)

	if !tx.IsVisible(10) {
		t.Errorf("expected vsn 10 visible at snapshot 10")
	}
	if tx.IsVisible(11) {
		t.Errorf("expected vsn 11 not visible at snapshot 10")
	}

	tx.Close()
	if reg.ActiveCount() != 0 {
		t.Errorf("expected registry empty after close, got %d", reg.ActiveCount())
	}
}

func TestTransaction_ReadCommittedRefresh(t *testing.T) {
	reg := NewRegistry()
	tx := New(ReadCommitted, reg)
	tx.Begin(5)

	if !tx.IsVisible(5) {
		t.Errorf("expected vsn 5 visible")
	}
	tx.Refresh(20)
	if !tx.IsVisible(20) {
		t.Errorf("expected vsn 20 visible after refresh")
	}
}

func TestRegistry_MinActiveVSN(t *testing.T) {
	reg := NewRegistry()

	txA := New(Snapshot, reg)
	txA.Begin(5)
	txB := New(Snapshot, reg)
	txB.Begin(10)

	if got := reg.MinActiveVSN(); got != 5 {
		t.Errorf("MinActiveVSN() = %d, want 5", got)
	}

	txA.Close()
	if got := reg.MinActiveVSN(); got != 10 {
		t.Errorf("MinActiveVSN() after closing lower txn = %d, want 10", got)
	}

	txB.Close()
	if got := reg.MinActiveVSN(); got != 0 {
		t.Errorf("MinActiveVSN() after all closed = %d, want 0", got)
	}
}
