package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/ordermail/internal/roster"
)

func group(email string, orders int) *roster.RecipientGroup {
	g := &roster.RecipientGroup{Email: email, Name: "Name " + email, Phone: "0900"}
	for i := 0; i < orders; i++ {
		g.Orders = append(g.Orders, roster.OrderRow{"Email Address": email})
	}
	return g
}

func assertProgressInvariant(t *testing.T, s Snapshot) {
	t.Helper()
	assert.Equal(t, s.Progress.Sent+s.Progress.Failed, s.Progress.Current)
	assert.LessOrEqual(t, s.Progress.Current, s.Progress.Total)
	assert.Len(t, s.Results, s.Progress.Current)
	assert.Len(t, s.FailedEmails, s.Progress.Failed)
}

func TestCreate(t *testing.T) {
	r := NewRegistry(Retention{})
	j := r.Create("orders.xlsx", 3)

	assert.True(t, strings.HasPrefix(j.ID(), "job-"))
	assert.Equal(t, "orders.xlsx", j.Source())

	s := j.Snapshot()
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, Progress{Total: 3}, s.Progress)
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
	assert.False(t, s.CreatedAt.IsZero())

	got, ok := r.Get(j.ID())
	require.True(t, ok)
	assert.Same(t, j, got)

	_, ok = r.Get("job-missing")
	assert.False(t, ok)
}

func TestIDsAreUnique(t *testing.T) {
	r := NewRegistry(Retention{})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Create("f.xlsx", 1).ID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, r.Len())
}

func TestLifecycleAllSuccess(t *testing.T) {
	j := New("f.xlsx", 2)

	require.True(t, j.Begin())
	assert.False(t, j.Begin())

	j.Record(group("a@x.com", 2), "<1@x>", nil)
	s := j.Snapshot()
	assertProgressInvariant(t, s)
	assert.Equal(t, 50, s.Progress.Percentage)
	assert.Equal(t, StatusInProgress, s.Status)
	require.NotNil(t, s.StartedAt)

	j.Record(group("b@x.com", 1), "<2@x>", nil)
	require.True(t, j.Complete())

	s = j.Snapshot()
	assertProgressInvariant(t, s)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 0, s.Progress.Failed)
	assert.Equal(t, 100, s.Progress.Percentage)
	assert.Len(t, s.Results, 2)
	assert.Equal(t, ResultSuccess, s.Results[0].Status)
	assert.Equal(t, "<1@x>", s.Results[0].MessageID)
	assert.Equal(t, 2, s.Results[0].OrderCount)
	require.NotNil(t, s.CompletedAt)
	assert.Empty(t, s.Error)
}

func TestRecordFailureKeepsOrders(t *testing.T) {
	j := New("f.xlsx", 3)
	j.Begin()

	j.Record(group("a@x.com", 1), "<1@x>", nil)
	j.Record(group("b@x.com", 3), "", errors.New("550 mailbox unavailable"))
	j.Record(group("c@x.com", 1), "<3@x>", nil)
	j.Complete()

	s := j.Snapshot()
	assertProgressInvariant(t, s)
	assert.Equal(t, 2, s.Progress.Sent)
	assert.Equal(t, 1, s.Progress.Failed)
	assert.Equal(t, 100, s.Progress.Percentage)

	require.Len(t, s.FailedEmails, 1)
	f := s.FailedEmails[0]
	assert.Equal(t, "b@x.com", f.Email)
	assert.Equal(t, "Name b@x.com", f.Name)
	assert.Equal(t, "0900", f.Phone)
	assert.Equal(t, "550 mailbox unavailable", f.Error)
	assert.Len(t, f.Orders, 3)

	assert.Equal(t, ResultFailed, s.Results[1].Status)
	assert.Equal(t, "550 mailbox unavailable", s.Results[1].Error)

	g := f.Group()
	assert.Equal(t, 3, g.OrderCount())
}

type classifiedError struct {
	msg       string
	temporary bool
}

func (e *classifiedError) Error() string   { return e.msg }
func (e *classifiedError) Temporary() bool { return e.temporary }

func TestRecordRetryable(t *testing.T) {
	j := New("f.xlsx", 3)
	j.Begin()

	j.Record(group("gone@x.com", 1), "", fmt.Errorf("send: %w", &classifiedError{msg: "550 no such user"}))
	j.Record(group("busy@x.com", 1), "", &classifiedError{msg: "451 try later", temporary: true})
	j.Record(group("odd@x.com", 1), "", errors.New("connection reset"))
	j.Complete()

	s := j.Snapshot()
	require.Len(t, s.FailedEmails, 3)
	assert.False(t, s.FailedEmails[0].Retryable)
	assert.True(t, s.FailedEmails[1].Retryable)
	assert.True(t, s.FailedEmails[2].Retryable)

	assert.False(t, s.Results[0].Retryable)
	assert.True(t, s.Results[1].Retryable)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("unknown")))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(&classifiedError{msg: "550"}))
}

func TestPercentageRounding(t *testing.T) {
	tests := []struct {
		current, total, want int
	}{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{3, 3, 100},
	}
	for _, tt := range tests {
		if got := percentage(tt.current, tt.total); got != tt.want {
			t.Errorf("percentage(%d, %d) = %d, want %d", tt.current, tt.total, got, tt.want)
		}
	}
}

func TestZeroTotal(t *testing.T) {
	j := New("empty.xlsx", 0)
	j.Begin()
	assert.False(t, j.Record(group("a@x.com", 1), "<1@x>", nil))
	j.Complete()

	s := j.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, Progress{}, s.Progress)
}

func TestTerminalIsFinal(t *testing.T) {
	j := New("f.xlsx", 3)
	j.Begin()
	j.Record(group("a@x.com", 1), "<1@x>", nil)
	require.True(t, j.Fail(errors.New("boom")))

	assert.False(t, j.Complete())
	assert.False(t, j.Fail(errors.New("again")))
	assert.False(t, j.Record(group("b@x.com", 1), "<2@x>", nil))
	assert.False(t, j.Begin())

	s := j.Snapshot()
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "boom", s.Error)
	assert.Equal(t, 1, s.Progress.Current)
	require.NotNil(t, s.CompletedAt)
}

func TestRecordNeverExceedsTotal(t *testing.T) {
	j := New("f.xlsx", 1)
	j.Begin()
	assert.True(t, j.Record(group("a@x.com", 1), "<1@x>", nil))
	assert.False(t, j.Record(group("b@x.com", 1), "<2@x>", nil))
	assertProgressInvariant(t, j.Snapshot())
}

func TestSnapshotIsStable(t *testing.T) {
	j := New("f.xlsx", 2)
	j.Begin()
	j.Record(group("a@x.com", 1), "<1@x>", nil)
	j.Record(group("b@x.com", 2), "", errors.New("timeout"))
	j.Complete()

	first := j.Snapshot()
	second := j.Snapshot()
	assert.Equal(t, first, second)

	first.Results[0].Email = "changed"
	first.FailedEmails[0].Orders = nil
	third := j.Snapshot()
	assert.Equal(t, second, third)
}

func TestConcurrentRecord(t *testing.T) {
	const n = 200
	j := New("f.xlsx", n)
	j.Begin()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%4 == 0 {
				err = errors.New("rejected")
			}
			j.Record(group("x@x.com", 1), "<id>", err)
			assertProgressInvariant(t, j.Snapshot())
		}(i)
	}
	wg.Wait()
	j.Complete()

	s := j.Snapshot()
	assert.Equal(t, n, s.Progress.Current)
	assert.Equal(t, n/4, s.Progress.Failed)
	assert.Equal(t, 100, s.Progress.Percentage)
}

func TestListRecent(t *testing.T) {
	r := NewRegistry(Retention{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 15; i++ {
		ids = append(ids, r.Create("f.xlsx", 1).ID())
		if i%2 == 0 {
			clock = clock.Add(time.Second)
		}
	}

	recent := r.ListRecent(0)
	require.Len(t, recent, DefaultListLimit)
	assert.Equal(t, ids[14], recent[0].ID)
	assert.Equal(t, ids[13], recent[1].ID)
	assert.Equal(t, ids[5], recent[9].ID)

	all := r.ListRecent(100)
	require.Len(t, all, 15)
	assert.Equal(t, ids[0], all[14].ID)

	assert.Len(t, r.ListRecent(3), 3)
}

func TestStats(t *testing.T) {
	r := NewRegistry(Retention{})
	r.Create("a", 1)
	running := r.Create("b", 1)
	running.Begin()
	done := r.Create("c", 1)
	done.Begin()
	done.Complete()
	failed := r.Create("d", 1)
	failed.Fail(errors.New("x"))

	stats := r.Stats()
	assert.Equal(t, 1, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusInProgress])
	assert.Equal(t, 1, stats[StatusCompleted])
	assert.Equal(t, 1, stats[StatusFailed])
}

func TestEvictByAge(t *testing.T) {
	r := NewRegistry(Retention{MaxAge: time.Hour})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	r.now = func() time.Time { return clock }

	old := r.Create("old", 1)
	old.Complete()
	running := r.Create("running", 1)
	running.Begin()
	pending := r.Create("pending", 1)

	clock = start.Add(90 * time.Minute)
	fresh := r.Create("fresh", 1)
	fresh.Fail(errors.New("x"))

	removed := r.Evict(clock)
	assert.Equal(t, 1, removed)

	_, ok := r.Get(old.ID())
	assert.False(t, ok)
	for _, j := range []*Job{running, pending, fresh} {
		_, ok := r.Get(j.ID())
		assert.True(t, ok, "job %s should be kept", j.Source())
	}
}

func TestEvictByCount(t *testing.T) {
	r := NewRegistry(Retention{MaxCount: 2})

	var finished []*Job
	for i := 0; i < 4; i++ {
		j := r.Create("f", 1)
		j.Complete()
		finished = append(finished, j)
	}
	running := r.Create("running", 1)
	running.Begin()

	removed := r.Evict(time.Now())
	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, r.Len())

	for i, j := range finished {
		_, ok := r.Get(j.ID())
		assert.Equal(t, i >= 2, ok, "finished job %d", i)
	}
	_, ok := r.Get(running.ID())
	assert.True(t, ok)
}

func TestSweeper(t *testing.T) {
	r := NewRegistry(Retention{MaxCount: 1})
	for i := 0; i < 3; i++ {
		r.Create("f", 1).Complete()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSweeper(r, "@every 1h", logger)
	require.NoError(t, err)

	s.Start()
	s.Sweep()
	s.Stop()

	assert.Equal(t, 1, r.Len())
}

func TestSweeperInvalidSchedule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewSweeper(NewRegistry(Retention{}), "every so often", logger)
	assert.Error(t, err)
}

func TestSnapshotSummary(t *testing.T) {
	j := New("f.xlsx", 2)
	j.Begin()
	j.Record(group("a@x.com", 1), "<1@x>", nil)
	j.Record(group("b@x.com", 1), "", errors.New("x"))
	j.Complete()

	sum := j.Snapshot().Summary()
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 1, sum.Failed)
	assert.GreaterOrEqual(t, sum.Duration, time.Duration(0))
}
