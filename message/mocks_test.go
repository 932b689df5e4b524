package message

import (
	"context"
	"errors"
	"sync"
	"time"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// mockSaver implements Saver with scriptable results.
type mockSaver struct {
	mu      sync.Mutex
	calls   []Message
	results []saveOutcome
	nextID  int
}

type saveOutcome struct {
	res SaveResult
	err error
}

func newMockSaver() *mockSaver {
	return &mockSaver{nextID: 1}
}

func (s *mockSaver) SaveMessage(ctx context.Context, msg *Message) (SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, *msg)
	if len(s.results) > 0 {
		out := s.results[0]
		s.results = s.results[1:]
		return out.res, out.err
	}
	id := s.nextID
	s.nextID++
	return SaveResult{ID: testServerID(id), Timestamp: msg.Timestamp}, nil
}

func (s *mockSaver) scriptError(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, saveOutcome{err: errors.New(errMsg)})
}

func (s *mockSaver) scriptFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, saveOutcome{err: err})
}

func (s *mockSaver) scriptSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, saveOutcome{res: SaveResult{ID: id}})
}

func (s *mockSaver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *mockSaver) savedLocalIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.calls))
	for _, m := range s.calls {
		ids = append(ids, m.LocalID)
	}
	return ids
}

// classifiedError mimics the API error types, which self-report their
// failure class through a Kind method.
type classifiedError struct {
	kind string
	msg  string
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Kind() string { return e.kind }

// mockRecaller implements Recaller and records recalled server IDs.
type mockRecaller struct {
	mu       sync.Mutex
	recalled []string
	err      error
}

func (r *mockRecaller) RecallMessage(ctx context.Context, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.recalled = append(r.recalled, serverID)
	return nil
}

// updateCollector records lifecycle notifications for assertions.
type updateCollector struct {
	mu      sync.Mutex
	updates []Message
}

func (u *updateCollector) callback(msg Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, msg)
}

func (u *updateCollector) statuses() []Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Status, 0, len(u.updates))
	for _, m := range u.updates {
		out = append(out, m.Status)
	}
	return out
}

// waitForStatus polls the controller until the message reaches the wanted
// status or the deadline passes.
func waitForStatus(c *Controller, localKey string, want Status, timeout time.Duration) (Message, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok := c.Get(localKey); ok && msg.Status == want {
			return msg, true
		}
		time.Sleep(2 * time.Millisecond)
	}
	msg, _ := c.Get(localKey)
	return msg, false
}
