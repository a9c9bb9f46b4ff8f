package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-pluto/imaplogind/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id           string
	createdAt    time.Time
	mu           sync.Mutex
	lastInput    time.Time
	inputBlocked   bool
	destroyed      string
	destroyedCalls int
	resumed        int
}

func newFake(id string, created time.Time) *fakeSession {
	return &fakeSession{id: id, createdAt: created, lastInput: created}
}

func (f *fakeSession) ID() string            { return f.id }
func (f *fakeSession) CreatedAt() time.Time  { return f.createdAt }
func (f *fakeSession) LastInput() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastInput
}
func (f *fakeSession) InputBlocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputBlocked
}
func (f *fakeSession) Destroy(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = reason
	f.destroyedCalls++
}
func (f *fakeSession) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}
func (f *fakeSession) wasDestroyed() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func TestAdmitWithinCapacityDoesNotEvict(t *testing.T) {

	r := registry.New(100, 16, time.Minute)

	s1 := newFake("s1", time.Unix(1, 0))
	r.Admit(s1)

	assert.Equal(t, 1, r.Len())
	assert.Empty(t, s1.wasDestroyed())
}

func TestAdmitAtCapacityEvictsOldestBatch(t *testing.T) {

	r := registry.New(4, 2, time.Minute)

	sessions := make([]*fakeSession, 4)
	for i := 0; i < 4; i++ {
		sessions[i] = newFake(string(rune('a'+i)), time.Unix(int64(i), 0))
		r.Admit(sessions[i])
	}

	require.Equal(t, 4, r.Len())

	// Admitting a 5th session while at capacity evicts the 2 oldest.
	newest := newFake("new", time.Unix(100, 0))
	r.Admit(newest)

	assert.Equal(t, "Disconnected: Connection queue full", sessions[0].wasDestroyed())
	assert.Equal(t, "Disconnected: Connection queue full", sessions[1].wasDestroyed())
	assert.Empty(t, sessions[2].wasDestroyed())
	assert.Empty(t, sessions[3].wasDestroyed())
	assert.Equal(t, 3, r.Len())
}

func TestAdmitDisablesEvictionWhenCapNotAboveBatchSize(t *testing.T) {

	r := registry.New(2, 16, time.Minute)

	for i := 0; i < 5; i++ {
		r.Admit(newFake(string(rune('a'+i)), time.Unix(int64(i), 0)))
	}

	assert.Equal(t, 5, r.Len())
}

func TestRunIdleSweepDestroysIdleSessions(t *testing.T) {

	r := registry.New(100, 16, 50*time.Millisecond)

	s := newFake("idle", time.Now())
	s.lastInput = time.Now().Add(-time.Hour)
	r.Admit(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.RunIdleSweep(ctx)

	require.Eventually(t, func() bool {
		return s.wasDestroyed() == "Disconnected: Inactivity"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestResumeBlockedOnlyResumesBlockedSessions(t *testing.T) {

	r := registry.New(100, 16, time.Minute)

	blocked := newFake("blocked", time.Now())
	blocked.inputBlocked = true
	idle := newFake("idle", time.Now())

	r.Admit(blocked)
	r.Admit(idle)

	r.ResumeBlocked()

	assert.Equal(t, 1, blocked.resumed)
	assert.Equal(t, 0, idle.resumed)
}

func TestShutdownDestroysAllWithEmptyReason(t *testing.T) {

	r := registry.New(100, 16, time.Minute)

	s1 := newFake("s1", time.Now())
	s2 := newFake("s2", time.Now())
	r.Admit(s1)
	r.Admit(s2)

	r.Shutdown()

	assert.Equal(t, 1, s1.destroyedCalls)
	assert.Equal(t, 1, s2.destroyedCalls)
	assert.Empty(t, s1.wasDestroyed())
	assert.Empty(t, s2.wasDestroyed())
}

func TestRemoveDeregistersSession(t *testing.T) {

	r := registry.New(100, 16, time.Minute)
	s := newFake("s1", time.Now())
	r.Admit(s)

	r.Remove("s1")
	assert.Equal(t, 0, r.Len())
}
