package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFleet 同时充当快照来源和备份记录器
type fakeFleet struct {
	mu      sync.Mutex
	servers []*model.Server
	fail    map[string]error
	calls   []string
}

func newFakeFleet(servers ...*model.Server) *fakeFleet {
	return &fakeFleet{servers: servers, fail: make(map[string]error)}
}

func (f *fakeFleet) Servers() []*model.Server {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]*model.Server, len(f.servers))
	for i, s := range f.servers {
		result[i] = s.Clone()
	}
	return result
}

func (f *fakeFleet) RecordBackup(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, id)
	if err := f.fail[id]; err != nil {
		return err
	}
	for _, s := range f.servers {
		if s.ID == id {
			t := at
			s.LastBackup = &t
			s.BackupCount++
		}
	}
	return nil
}

func (f *fakeFleet) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func at(t time.Time) *time.Time { return &t }

func TestCompute_NullsFirstStable(t *testing.T) {
	servers := []*model.Server{
		{ID: "1"},
		{ID: "2"},
		{ID: "3", LastBackup: at(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))},
	}

	state := Compute(servers)
	assert.Equal(t, []string{"1", "2", "3"}, state.Order)
	assert.Equal(t, "1", state.Current)
	assert.Equal(t, "2", state.Next)

	// 输入顺序不同时，null之间保持输入顺序
	state = Compute([]*model.Server{servers[2], servers[1], servers[0]})
	assert.Equal(t, []string{"2", "1", "3"}, state.Order)
}

func TestCompute_SingleAndEmpty(t *testing.T) {
	state := Compute([]*model.Server{{ID: "1", LastBackup: at(time.Now())}})
	assert.Equal(t, "1", state.Current)
	assert.Equal(t, "1", state.Next)
	assert.Equal(t, []string{"1"}, state.Order)

	state = Compute(nil)
	assert.Empty(t, state.Current)
	assert.Empty(t, state.Next)
	assert.NotNil(t, state.Order)
	assert.Empty(t, state.Order)
}

func TestCompute_OrderByLastBackup(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	servers := []*model.Server{
		{ID: "new", LastBackup: at(base.Add(2 * time.Hour))},
		{ID: "tieA", LastBackup: at(base)},
		{ID: "never"},
		{ID: "tieB", LastBackup: at(base)},
	}

	first := Compute(servers)
	second := Compute(servers)
	assert.Equal(t, []string{"never", "tieA", "tieB", "new"}, first.Order)
	assert.Equal(t, first, second, "同一快照重复计算结果一致")

	// 不修改输入切片
	assert.Equal(t, "new", servers[0].ID)
}

func TestScheduler_TickBacksUpExactlyOne(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	fleet := newFakeFleet(
		&model.Server{ID: "a", BackupCount: 3, LastBackup: at(clock.Now().Add(-time.Hour))},
		&model.Server{ID: "b"},
		&model.Server{ID: "c", BackupCount: 1, LastBackup: at(clock.Now().Add(-2 * time.Hour))},
	)
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger(), WithClock(clock))

	before := fleet.Servers()
	require.NoError(t, s.Tick(context.Background()))
	after := fleet.Servers()

	changed := 0
	for i := range before {
		if before[i].BackupCount == after[i].BackupCount {
			assert.Equal(t, before[i].LastBackup, after[i].LastBackup)
			continue
		}
		changed++
		assert.Equal(t, "b", after[i].ID)
		assert.Equal(t, before[i].BackupCount+1, after[i].BackupCount)
		require.NotNil(t, after[i].LastBackup)
		assert.True(t, after[i].LastBackup.Equal(clock.Now()))
	}
	assert.Equal(t, 1, changed)

	state := s.State()
	assert.Equal(t, "b", state.Current)
	assert.Equal(t, "c", state.Next)
}

func TestScheduler_SingleServerRotatesToItself(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fleet := newFakeFleet(&model.Server{ID: "only", LastBackup: at(clock.Now())})
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger(), WithClock(clock))

	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		require.NoError(t, s.Tick(context.Background()))
		assert.Equal(t, "only", s.State().Current)
		assert.Equal(t, "only", s.State().Next)
	}
	assert.Equal(t, 3, fleet.Servers()[0].BackupCount)
}

func TestScheduler_EmptyFleetIsNoop(t *testing.T) {
	fleet := newFakeFleet()
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger())

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, fleet.Calls())
	assert.Empty(t, s.State().Order)
}

func TestScheduler_FailedBackupStaysCurrent(t *testing.T) {
	fleet := newFakeFleet(&model.Server{ID: "x"}, &model.Server{ID: "y"})
	fleet.fail["x"] = errors.New("写入失败")
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger(), WithClock(clockwork.NewFakeClock()))

	assert.Error(t, s.Tick(context.Background()))
	assert.Error(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"x", "x"}, fleet.Calls(), "失败的服务器在下个周期仍被选中")
	assert.Equal(t, "x", s.State().Current)

	delete(fleet.fail, "x")
	require.NoError(t, s.Tick(context.Background()))
	s.Refresh(fleet.Servers())
	assert.Equal(t, "y", s.State().Current)
}

func TestScheduler_StartRunsImmediatelyThenOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fleet := newFakeFleet(&model.Server{ID: "a"}, &model.Server{ID: "b"})
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger(),
		WithClock(clock), WithInterval(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "重复启动应返回错误")

	// 首次轮换在创建ticker之前同步完成
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []string{"a"}, fleet.Calls())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return len(fleet.Calls()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fleet.Calls())

	s.Stop()
	s.Stop()

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fleet.Calls(), 2, "停止后不再轮换")
}

func TestScheduler_SnapshotReadAtTickTime(t *testing.T) {
	fleet := newFakeFleet(&model.Server{ID: "a", LastBackup: at(time.Now())})
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger())

	fleet.mu.Lock()
	fleet.servers = append(fleet.servers, &model.Server{ID: "late"})
	fleet.mu.Unlock()

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"late"}, fleet.Calls())
}

func TestScheduler_OnChange(t *testing.T) {
	fleet := newFakeFleet(&model.Server{ID: "a"})
	s := NewScheduler(fleet.Servers, fleet, config.NewNopLogger())

	var got []model.RotationState
	unsubscribe := s.OnChange(func(state model.RotationState) {
		got = append(got, state)
	})

	s.Refresh(fleet.Servers())
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Current)

	unsubscribe()
	s.Refresh(nil)
	assert.Len(t, got, 2)
	assert.Empty(t, s.State().Current)
}
