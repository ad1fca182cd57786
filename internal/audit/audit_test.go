package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogFileCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "audit.log")

	l, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("dir perm = %o, want 0700", perm)
	}

	if err := l.Log(Entry{Action: ActionScan}); err != nil {
		t.Fatal(err)
	}

	info, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}
}

func TestHashChainIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{Action: ActionScan, Timestamp: time.Now().UTC()},
		{Action: ActionApprove, RemediationID: "rem-a-1", Actor: "alice", FromState: "pending-approval", ToState: "approved"},
		{Action: ActionCancel, RemediationID: "rem-a-1", FromState: "approved", ToState: "cancelled"},
	}
	for _, e := range entries {
		if err := l.Log(e); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	n, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("verified %d entries, want 3", n)
	}
}

func TestHashChainContinuity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l1, _ := NewLogger(path)
	l1.Log(Entry{Action: ActionApprove, RemediationID: "rem-a-1", Actor: "alice"})
	l1.Log(Entry{Action: ActionScan})
	l1.Close()

	// Second logger picks up the chain.
	l2, _ := NewLogger(path)
	l2.Log(Entry{Action: ActionCancel, RemediationID: "rem-a-1"})
	l2.Close()

	n, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, _ := NewLogger(path)
	l.Log(Entry{Action: ActionApprove, RemediationID: "rem-a-1", Actor: "alice"})
	l.Log(Entry{Action: ActionScan})
	l.Close()

	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), "alice", "mallory", 1)
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Verify(path); err == nil {
		t.Fatal("expected chain error after editing an entry")
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	if err := l.Log(Entry{Action: ActionScan}); err != nil {
		t.Errorf("nil logger Log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil logger Close: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			l.Log(Entry{Action: ActionApprove, RemediationID: fmt.Sprintf("rem-%d", i)})
		}(i)
	}
	wg.Wait()
	l.Close()

	count, err := Verify(path)
	if err != nil {
		t.Fatalf("chain broken under concurrency: %v", err)
	}
	if count != n {
		t.Errorf("got %d entries, want %d", count, n)
	}
}
