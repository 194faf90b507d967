package tier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/storage/memory"
)

// clock starts at the wall clock so adapter-side expiry stays consistent.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingObserver struct {
	mu    sync.Mutex
	ops   map[string]int
	gates []bool
}

func (o *recordingObserver) ObserveTierOp(id ID, op string, start time.Time, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string]int)
	}
	o.ops[string(id)+"."+op]++
}

func (o *recordingObserver) ObserveGate(id ID, passed bool, score float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates = append(o.gates, passed)
}

func connected(t *testing.T, name string) *memory.Adapter {
	t.Helper()
	a := memory.New(name)
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestUse_CleansUpOnError(t *testing.T) {
	a := memory.New("facts")
	l2 := NewWorkingMemory(a, nil, WorkingMemoryConfig{})

	boom := errors.New("boom")
	err := Use(context.Background(), l2, func(ctx context.Context) error {
		assert.Equal(t, storage.StatusHealthy, l2.HealthCheck(ctx).Status)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	h := l2.HealthCheck(context.Background())
	assert.Equal(t, storage.StatusUnhealthy, h.Status, "adapter must be disconnected after Use")
	assert.Equal(t, L2, h.Tier)
}

func TestBase_OptionalBackendDegrades(t *testing.T) {
	primary := connected(t, "primary")
	secondary := memory.New("secondary")
	l1 := NewActiveContext(primary, secondary, nil, ActiveContextConfig{})
	require.NoError(t, l1.Initialize(context.Background()))
	require.NoError(t, secondary.Disconnect(context.Background()))

	h := l1.HealthCheck(context.Background())
	assert.Equal(t, storage.StatusDegraded, h.Status)
	assert.Contains(t, h.Backends, "secondary")
}

func TestErrors_Kinds(t *testing.T) {
	bt := &BelowThresholdError{FactID: "f", Score: 0.3, Threshold: 0.6}
	assert.Equal(t, storage.KindData, storage.KindOf(bt))
	assert.False(t, storage.IsRetryable(bt))
	assert.Contains(t, bt.Error(), "below CIAR threshold")

	connErr := storage.NotConnected(storage.BackendQdrant, "store")
	dw := &DualWriteError{Op: "store", EpisodeID: "e", VectorErr: connErr}
	assert.True(t, dw.Partial())
	assert.True(t, dw.GraphOK())
	assert.False(t, dw.VectorOK())
	assert.True(t, storage.IsRetryable(dw))
	assert.ErrorIs(t, dw, storage.ErrNotConnected)
	assert.Contains(t, dw.Error(), "graph succeeded")

	var ve *ValidationError
	assert.ErrorAs(t, invalid(L2, "content", "required"), &ve)
	assert.Equal(t, storage.KindData, storage.KindOf(ve))
}

func TestIDs(t *testing.T) {
	a := EpisodeIDFor("s", []string{"b", "a"})
	assert.Equal(t, a, EpisodeIDFor("s", []string{"a", "b"}))
	assert.NotEqual(t, a, EpisodeIDFor("other", []string{"a", "b"}))

	assert.Equal(t, ContentHash("s", "I  like Tea"), ContentHash("s", "i like tea"))
	assert.Equal(t, "ada lovelace", EntityID("  Ada   Lovelace "))
	assert.Equal(t, "l1://s/t", TurnURI("s", "t"))
}
