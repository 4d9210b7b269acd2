package rctrl

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register(1, 2, Entry{QPN: 100, RecvAddr: 0x1000, RecvRKey: 7})

	got, ok := r.Lookup(1, 2)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got.QPN != 100 || got.QDHint != 2 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := New()
	if _, ok := r.Lookup(1, 2); ok {
		t.Fatal("expected no entry for unregistered service")
	}
}

func TestRegisterNextAllocatesDistinctHints(t *testing.T) {
	r := New()
	qd1 := r.RegisterNext(9, Entry{QPN: 1})
	qd2 := r.RegisterNext(9, Entry{QPN: 2})

	if qd1 == qd2 {
		t.Fatalf("expected distinct qd hints, got %d and %d", qd1, qd2)
	}

	e1, ok := r.Lookup(9, qd1)
	if !ok || e1.QPN != 1 {
		t.Fatalf("unexpected entry for qd1: %+v ok=%v", e1, ok)
	}
	e2, ok := r.Lookup(9, qd2)
	if !ok || e2.QPN != 2 {
		t.Fatalf("unexpected entry for qd2: %+v ok=%v", e2, ok)
	}
}

func TestDeregisterRemovesEntry(t *testing.T) {
	r := New()
	r.Register(1, 2, Entry{QPN: 100})
	r.Deregister(1, 2)

	if _, ok := r.Lookup(1, 2); ok {
		t.Fatal("expected entry to be removed")
	}
}

func TestDeregisterUnknownServiceIsNoop(t *testing.T) {
	r := New()
	r.Deregister(404, 404) // must not panic
}

func TestRegisterReplacesPriorEntry(t *testing.T) {
	r := New()
	r.Register(1, 2, Entry{QPN: 100})
	r.Register(1, 2, Entry{QPN: 200})

	got, ok := r.Lookup(1, 2)
	if !ok || got.QPN != 200 {
		t.Fatalf("expected replaced entry with QPN 200, got %+v", got)
	}
}
