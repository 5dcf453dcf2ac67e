package testutil

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// MockT is a testing.TB that records failures instead of reporting them.
// Fatal and FailNow end the calling goroutine, so fixtures under test must run
// inside RunWithMockT.
type MockT struct {
	testing.TB

	mu       sync.Mutex
	failed   bool
	fatal    bool
	skipped  bool
	messages []string
	cleanups []func()
}

// NewMockT creates a new MockT.
func NewMockT() *MockT {
	return &MockT{}
}

func (m *MockT) record(fatal bool, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
	m.fatal = m.fatal || fatal
	if msg != "" {
		m.messages = append(m.messages, msg)
	}
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Name implements testing.TB.
func (m *MockT) Name() string { return "MockT" }

// Log implements testing.TB.
func (m *MockT) Log(args ...any) {}

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) { m.record(false, fmt.Sprint(args...)) }

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) { m.record(false, fmt.Sprintf(format, args...)) }

// Fail implements testing.TB.
func (m *MockT) Fail() { m.record(false, "") }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.record(true, "")
	runtime.Goexit()
}

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.record(true, fmt.Sprint(args...))
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.record(true, fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// Skip implements testing.TB.
func (m *MockT) Skip(args ...any) { m.SkipNow() }

// Skipf implements testing.TB.
func (m *MockT) Skipf(format string, args ...any) { m.SkipNow() }

// SkipNow implements testing.TB.
func (m *MockT) SkipNow() {
	m.mu.Lock()
	m.skipped = true
	m.mu.Unlock()
	runtime.Goexit()
}

// Skipped implements testing.TB.
func (m *MockT) Skipped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped
}

// Cleanup implements testing.TB. Cleanups run when RunWithMockT returns.
func (m *MockT) Cleanup(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// IsFatal reports whether Fatal, Fatalf or FailNow was called.
func (m *MockT) IsFatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Messages returns the recorded failure messages.
func (m *MockT) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// RunWithMockT runs fn with a fresh MockT on its own goroutine and waits for
// it, so that runtime.Goexit from Fatal ends only fn.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done

	mt.mu.Lock()
	cleanups := mt.cleanups
	mt.cleanups = nil
	mt.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return mt
}
