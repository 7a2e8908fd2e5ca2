package warmup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/stats"
)

type mockServerStore struct {
	mu          sync.Mutex
	servers     []models.Server
	days        map[int64]int
	linearCalls int
}

func (m *mockServerStore) GetServerByID(_ context.Context, _ int64) (*models.Server, error) {
	return nil, nil
}
func (m *mockServerStore) GetServerByDomain(_ context.Context, _ string) (*models.Server, error) {
	return nil, nil
}
func (m *mockServerStore) ListServers(_ context.Context, activeOnly bool) ([]models.Server, error) {
	var out []models.Server
	for _, s := range m.servers {
		if !activeOnly || s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}
func (m *mockServerStore) SetServerWarmupDay(_ context.Context, id int64, day int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.days == nil {
		m.days = make(map[int64]int)
	}
	m.days[id] = day
	return nil
}
func (m *mockServerStore) IncrementActiveServerDays(_ context.Context) error {
	m.linearCalls++
	return nil
}
func (m *mockServerStore) RecordServerResult(_ context.Context, _ int64, _ bool) error { return nil }
func (m *mockServerStore) RecordServerFailure(_ context.Context, _ int64) error        { return nil }

type classKey struct {
	server int64
	class  string
}

type mockClassStore struct {
	mu          sync.Mutex
	classes     []models.RecipientClass
	stats       map[classKey]*models.ClassStat
	failFor     int64
	linearCalls int
}

func (m *mockClassStore) ListActiveClasses(_ context.Context) ([]models.RecipientClass, error) {
	return m.classes, nil
}
func (m *mockClassStore) GetClassStat(_ context.Context, serverID int64, class string) (*models.ClassStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[classKey{serverID, class}], nil
}
func (m *mockClassStore) IncrementClassUsage(_ context.Context, _ int64, _ string, _ bool) error {
	return nil
}
func (m *mockClassStore) ResetClassDay(_ context.Context, serverID int64, class string, decide func(models.ClassStat) int) (models.ClassDayUpdate, error) {
	if serverID == m.failFor {
		return models.ClassDayUpdate{}, errors.New("lock timeout")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := classKey{serverID, class}
	st, ok := m.stats[k]
	if !ok {
		st = &models.ClassStat{ServerID: serverID, ClassKey: class, WarmupDay: 1, Score: 100}
		m.stats[k] = st
	}
	old := st.WarmupDay
	st.WarmupDay = decide(*st)
	st.SentToday, st.DeliveredToday, st.FailsToday = 0, 0, 0
	return models.ClassDayUpdate{OldDay: old, NewDay: st.WarmupDay}, nil
}
func (m *mockClassStore) AdvanceAllClassDays(_ context.Context) error {
	m.linearCalls++
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *recordingObserver) OnStatusChange(_ context.Context, c StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func testOptions() Options {
	return Options{
		Mode:        ModeSmart,
		Thresholds:  DefaultThresholds(),
		Quota:       stats.QuotaParams{StartVolume: 10, GrowthPercent: 20},
		Concurrency: 2,
	}
}

func TestAdvanceAll_EndToEndAdvance(t *testing.T) {
	servers := &mockServerStore{servers: []models.Server{{ID: 1, Active: true, WarmupDay: 1}}}
	classes := &mockClassStore{
		classes: []models.RecipientClass{{Key: "gmail", Active: true}},
		stats: map[classKey]*models.ClassStat{
			{1, "gmail"}: {ServerID: 1, ClassKey: "gmail", WarmupDay: 1, SentToday: 9, DeliveredToday: 9, Score: 100},
		},
	}
	obs := &recordingObserver{}
	e := NewEngine(servers, classes, testOptions(), obs)

	require.NoError(t, e.AdvanceAll(context.Background()))

	st := classes.stats[classKey{1, "gmail"}]
	assert.Equal(t, 2, st.WarmupDay)
	assert.Zero(t, st.SentToday)
	assert.Zero(t, st.DeliveredToday)
	assert.Equal(t, 100, st.Score)
	assert.Equal(t, 2, servers.days[1])
	assert.Equal(t, 12, e.Quota(nil, 2))

	require.Len(t, obs.changes, 1)
	assert.Equal(t, StatusChange{
		ServerID: 1, ClassKey: "gmail", OldDay: 1, NewDay: 2, Action: ActionAdvance,
		Metrics: Metrics{Sent: 9, Quota: 10, ErrorRate: 0},
	}, obs.changes[0])
}

func TestAdvanceAll_GlobalDayIsRoundedMean(t *testing.T) {
	servers := &mockServerStore{servers: []models.Server{{ID: 1, Active: true}}}
	classes := &mockClassStore{
		classes: []models.RecipientClass{{Key: "gmail"}, {Key: "outlook"}},
		stats: map[classKey]*models.ClassStat{
			{1, "gmail"}:   {WarmupDay: 1, SentToday: 10},
			{1, "outlook"}: {WarmupDay: 1, SentToday: 2},
		},
	}
	e := NewEngine(servers, classes, testOptions())

	require.NoError(t, e.AdvanceAll(context.Background()))
	// 2 and 1 average to 1.5, rounded half away from zero
	assert.Equal(t, 2, servers.days[1])
}

func TestAdvanceAll_SkipsInactiveServers(t *testing.T) {
	servers := &mockServerStore{servers: []models.Server{{ID: 1, Active: false}}}
	classes := &mockClassStore{classes: []models.RecipientClass{{Key: "gmail"}}, stats: map[classKey]*models.ClassStat{}}
	e := NewEngine(servers, classes, testOptions())

	require.NoError(t, e.AdvanceAll(context.Background()))
	assert.Empty(t, classes.stats)
	assert.Empty(t, servers.days)
}

func TestAdvanceAll_OneServerFailureDoesNotStopOthers(t *testing.T) {
	servers := &mockServerStore{servers: []models.Server{{ID: 1, Active: true}, {ID: 2, Active: true}}}
	classes := &mockClassStore{
		classes: []models.RecipientClass{{Key: "gmail"}},
		stats: map[classKey]*models.ClassStat{
			{2, "gmail"}: {WarmupDay: 3, SentToday: 14},
		},
		failFor: 1,
	}
	e := NewEngine(servers, classes, testOptions())

	err := e.AdvanceAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4, servers.days[2])
}

func TestAdvanceAll_ObserverErrorsIgnored(t *testing.T) {
	servers := &mockServerStore{servers: []models.Server{{ID: 1, Active: true}}}
	classes := &mockClassStore{
		classes: []models.RecipientClass{{Key: "gmail"}},
		stats:   map[classKey]*models.ClassStat{{1, "gmail"}: {WarmupDay: 8}},
	}
	failing := ObserverFunc(func(context.Context, StatusChange) error { return errors.New("broker down") })
	e := NewEngine(servers, classes, testOptions(), failing)

	require.NoError(t, e.AdvanceAll(context.Background()))
	assert.Equal(t, 7, classes.stats[classKey{1, "gmail"}].WarmupDay)
}

func TestAdvanceAll_Linear(t *testing.T) {
	servers := &mockServerStore{}
	classes := &mockClassStore{}
	opts := testOptions()
	opts.Mode = ModeLinear
	e := NewEngine(servers, classes, opts)

	require.NoError(t, e.AdvanceAll(context.Background()))
	assert.Equal(t, 1, servers.linearCalls)
	assert.Equal(t, 1, classes.linearCalls)
}
