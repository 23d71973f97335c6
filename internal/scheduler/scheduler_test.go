package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailce/mailce/internal/dao"
	"github.com/mailce/mailce/tools"
)

type fakeDB struct {
	dao.DAO

	mu        sync.Mutex
	mailings  []dao.Mailing
	pending   map[int64]int
	completed []int64
	swept     bool
}

func (f *fakeDB) ScheduledPendingMailings() ([]dao.Mailing, error) {
	return f.mailings, nil
}

func (f *fakeDB) CountPendingRecipients(id int64) (int, error) {
	return f.pending[id], nil
}

func (f *fakeDB) MarkMailingCompleted(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeDB) ReleaseStaleProcessing(time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = true
	return 0, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	kicked []int64
}

func (f *fakeQueue) Kick(id int64) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, id)
	return true, 1, nil
}

func testTrigger(db dao.DAO, q Queue, now time.Time) *Trigger {
	lc := tools.LoggerCloner(tools.NewLogger("panic"))
	tr := New(Config{Tick: time.Minute, StaleAfter: 15 * time.Minute}, db, q, lc)
	tr.now = func() time.Time { return now }
	return tr
}

func TestIsDueWallClockInZone(t *testing.T) {
	m := dao.Mailing{ScheduledAt: "2024-03-09 12:00:00", Timezone: "Europe/Stockholm"}

	// 12:00 in Stockholm is 11:00 UTC that day
	due, err := isDue(m, time.Date(2024, 3, 9, 10, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, due)

	due, err = isDue(m, time.Date(2024, 3, 9, 11, 0, 1, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDueExactBoundary(t *testing.T) {
	m := dao.Mailing{ScheduledAt: "2024-03-09 12:00:00", Timezone: "UTC"}
	due, err := isDue(m, time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDueLayouts(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	for _, at := range []string{
		"2024-03-09T11:00:00Z",
		"2024-03-09T11:00:00",
		"2024-03-09 11:00:00",
		"2024-03-09T11:00",
		"2024-03-09 11:00",
	} {
		due, err := isDue(dao.Mailing{ScheduledAt: at, Timezone: "UTC"}, now)
		require.NoError(t, err, at)
		assert.True(t, due, at)
	}
}

func TestIsDueEmptyTimezoneMeansUTC(t *testing.T) {
	m := dao.Mailing{ScheduledAt: "2024-03-09 11:00:00"}
	due, err := isDue(m, time.Date(2024, 3, 9, 11, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDueBadInput(t *testing.T) {
	_, err := isDue(dao.Mailing{ScheduledAt: "soon", Timezone: "UTC"}, time.Now())
	assert.Error(t, err)

	_, err = isDue(dao.Mailing{ScheduledAt: "2024-03-09 11:00:00", Timezone: "Mars/Olympus"}, time.Now())
	assert.Error(t, err)
}

func TestPassKicksDueMailingsOnly(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{
		mailings: []dao.Mailing{
			{ID: 1, ScheduledAt: "2024-03-09 11:00:00", Timezone: "UTC"},
			{ID: 2, ScheduledAt: "2024-03-09 13:00:00", Timezone: "UTC"},
		},
		pending: map[int64]int{1: 5, 2: 5},
	}
	q := &fakeQueue{}
	tr := testTrigger(db, q, now)

	tr.pass()

	assert.Equal(t, []int64{1}, q.kicked)
	assert.Empty(t, db.completed)
	assert.True(t, db.swept)
}

func TestPassCompletesEmptyMailing(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{
		mailings: []dao.Mailing{{ID: 3, ScheduledAt: "2024-03-09 11:00:00", Timezone: "UTC"}},
		pending:  map[int64]int{3: 0},
	}
	q := &fakeQueue{}
	tr := testTrigger(db, q, now)

	tr.pass()

	assert.Equal(t, []int64{3}, db.completed)
	assert.Empty(t, q.kicked)
}

func TestPassLeavesBrokenScheduleAlone(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{
		mailings: []dao.Mailing{{ID: 4, ScheduledAt: "whenever", Timezone: "UTC"}},
		pending:  map[int64]int{4: 2},
	}
	q := &fakeQueue{}
	tr := testTrigger(db, q, now)

	tr.pass()

	assert.Empty(t, q.kicked)
	assert.Empty(t, db.completed)
}

func TestStartStop(t *testing.T) {
	db := &fakeDB{pending: map[int64]int{}}
	tr := testTrigger(db, &fakeQueue{}, time.Now())
	require.NoError(t, tr.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Stop(ctx))
}
