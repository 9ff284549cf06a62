package lifecycle

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/lobsterd/lobsterd/internal/config"
	"github.com/lobsterd/lobsterd/internal/regfile"
)

func TestTxnRollbackRunsInReverseOrder(t *testing.T) {
	var order []string
	tx := &txn{}
	tx.push("first", func() { order = append(order, "first") })
	tx.push("second", func() { order = append(order, "second") })
	tx.push("third", func() { order = append(order, "third") })

	log := tx.rollback()

	if len(order) != 3 || order[0] != "third" || order[1] != "second" || order[2] != "first" {
		t.Fatalf("unexpected rollback order: %v", order)
	}
	if len(log) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(log))
	}
}

func TestTxnRollbackSurvivesPanic(t *testing.T) {
	var ran bool
	tx := &txn{}
	// Rollback runs in reverse, so "panics" unwinds first and "after"
	// unwinds after it.
	tx.push("after", func() { ran = true })
	tx.push("panics", func() { panic("boom") })

	log := tx.rollback()

	if !ran {
		t.Fatal("expected undo actions after a panicking one to still run")
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(log))
	}
}

func TestRandomTokenIsUniqueAndHexEncoded(t *testing.T) {
	a, err := randomToken(32)
	if err != nil {
		t.Fatalf("randomToken: %v", err)
	}
	b, err := randomToken(32)
	if err != nil {
		t.Fatalf("randomToken: %v", err)
	}
	if a == b {
		t.Fatal("expected two calls to produce distinct tokens")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars for 32 bytes, got %d", len(a))
	}
}

func TestReserveIdentityAssignsDistinctValuesConcurrently(t *testing.T) {
	dir := t.TempDir()
	store := regfile.New(filepath.Join(dir, "config.json"), filepath.Join(dir, "registry.json"))
	if err := store.SaveRegistry(config.DefaultRegistry()); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	mgr := &Manager{Store: store}

	const n = 20
	names := make([]string, n)
	for i := range names {
		names[i] = "tenant" + string(rune('a'+i))
	}

	var wg sync.WaitGroup
	results := make([]identityReservation, n)
	errList := make([]error, n)
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i], errList[i] = mgr.reserveIdentity(name)
		}(i, name)
	}
	wg.Wait()

	seenCID := make(map[int]bool)
	for i, err := range errList {
		if err != nil {
			t.Fatalf("reserveIdentity(%s): %v", names[i], err)
		}
		if seenCID[results[i].cid] {
			t.Fatalf("duplicate cid %d reserved by two concurrent spawns", results[i].cid)
		}
		seenCID[results[i].cid] = true
	}
	if len(seenCID) != n {
		t.Fatalf("expected %d distinct cids, got %d", n, len(seenCID))
	}
}

func TestReserveIdentityDoesNotReuseAfterFailedProvisioning(t *testing.T) {
	dir := t.TempDir()
	store := regfile.New(filepath.Join(dir, "config.json"), filepath.Join(dir, "registry.json"))
	if err := store.SaveRegistry(config.DefaultRegistry()); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	mgr := &Manager{Store: store}

	first, err := mgr.reserveIdentity("alpha")
	if err != nil {
		t.Fatalf("reserveIdentity: %v", err)
	}
	// alpha's provisioning "fails" here and is never persisted to the
	// registry; a second spawn must still get fresh identifiers rather
	// than colliding with alpha's abandoned ones.
	second, err := mgr.reserveIdentity("beta")
	if err != nil {
		t.Fatalf("reserveIdentity: %v", err)
	}
	if second.cid == first.cid || second.subnetIndex == first.subnetIndex {
		t.Fatalf("expected beta to get fresh identifiers after alpha's reservation was abandoned: %+v vs %+v", first, second)
	}
}

func TestItoaPair(t *testing.T) {
	if itoaPair(10000) != "10000:10000" {
		t.Fatalf("itoaPair(10000) = %s", itoaPair(10000))
	}
}
