package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAdmitUpToLimit(t *testing.T) {
	l := New(5, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if !l.Admit("user-1", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("Admit() #%d = false, want true", i+1)
		}
	}
	if l.Admit("user-1", now.Add(6*time.Second)) {
		t.Error("Admit() #6 within window = true, want false")
	}
}

func TestRejectLeavesWindowUnchanged(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Now()

	l.Admit("user-1", now)
	l.Admit("user-1", now)

	// Rejected attempts must not extend the window.
	for i := 0; i < 10; i++ {
		if l.Admit("user-1", now.Add(time.Duration(i)*time.Second)) {
			t.Fatal("Admit() over limit = true, want false")
		}
	}

	// Once the first two entries age out, admission resumes.
	if !l.Admit("user-1", now.Add(61*time.Second)) {
		t.Error("Admit() after window elapsed = false, want true")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(3, time.Minute)
	base := time.Now()

	l.Admit("user-1", base)
	l.Admit("user-1", base.Add(30*time.Second))
	l.Admit("user-1", base.Add(50*time.Second))

	if l.Admit("user-1", base.Add(55*time.Second)) {
		t.Fatal("Admit() with full window = true, want false")
	}
	// base entry expires at base+60s; one slot frees up.
	if !l.Admit("user-1", base.Add(65*time.Second)) {
		t.Error("Admit() after oldest entry expired = false, want true")
	}
	// Window is full again (30s, 50s, 65s entries).
	if l.Admit("user-1", base.Add(66*time.Second)) {
		t.Error("Admit() with refilled window = true, want false")
	}
}

func TestUsersIndependent(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()

	if !l.Admit("user-1", now) {
		t.Fatal("Admit(user-1) = false, want true")
	}
	if !l.Admit("user-2", now) {
		t.Error("Admit(user-2) = false, want true; users must not share windows")
	}
	if l.Admit("user-1", now) {
		t.Error("Admit(user-1) second = true, want false")
	}
}

func TestConfigurableTiers(t *testing.T) {
	for _, limit := range []int{5, 20} {
		t.Run(fmt.Sprintf("limit-%d", limit), func(t *testing.T) {
			l := New(limit, time.Minute)
			now := time.Now()
			admitted := 0
			for i := 0; i < limit+5; i++ {
				if l.Admit("u", now) {
					admitted++
				}
			}
			if admitted != limit {
				t.Errorf("admitted = %d, want %d", admitted, limit)
			}
		})
	}
}

func TestConcurrentAdmit(t *testing.T) {
	const limit = 10
	l := New(limit, time.Minute)
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("user-1", now) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("concurrent admitted = %d, want exactly %d", admitted, limit)
	}
}
