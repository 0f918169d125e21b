package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/intersection-arbiter/internal/traffic"
	"github.com/signalsfoundry/intersection-arbiter/model"
	"github.com/signalsfoundry/intersection-arbiter/timectrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every published snapshot.
type recorder struct {
	mu    sync.Mutex
	snaps []model.Snapshot
}

func (r *recorder) publish(s model.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Snapshot(nil), r.snaps...)
}

func (r *recorder) grantedRoads() []int {
	var roads []int
	for _, s := range r.all() {
		if s.Grant != nil {
			roads = append(roads, s.Grant.Road)
		}
	}
	return roads
}

func newAcceleratedIntersection(opts ...Option) *Intersection {
	clock := timectrl.NewTimeController(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), timectrl.Accelerated)
	return NewIntersection(append([]Option{WithClock(clock)}, opts...)...)
}

func runPlan(t *testing.T, plan model.Plan, opts ...Option) (*Intersection, *recorder) {
	t.Helper()
	in := newAcceleratedIntersection(opts...)
	require.NoError(t, in.Load(plan))

	rec := &recorder{}
	in.Subscribe(rec.publish)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, in.Run(ctx))
	return in, rec
}

func TestNewIntersectionStartsRedAndEmpty(t *testing.T) {
	in := NewIntersection()
	snap := in.Snapshot()

	for road, r := range snap.Roads {
		assert.Equal(t, model.Red, r.Light, "road %d", road)
		assert.Zero(t, r.Demand, "road %d", road)
	}
	assert.False(t, snap.Emergency.Active())
	assert.Equal(t, model.NoRoad, snap.Emergency.Road)
	assert.Equal(t, model.NoRoad, snap.GreenRoad())
}

func TestMaxDemandIndex(t *testing.T) {
	tests := []struct {
		demand [model.NumRoads]int
		want   int
	}{
		{[model.NumRoads]int{12, 3, 0, 7}, 0},
		{[model.NumRoads]int{7, 3, 0, 7}, 0},
		{[model.NumRoads]int{2, 3, 0, 7}, 3},
		{[model.NumRoads]int{0, 4, 0, 4}, 1},
		{[model.NumRoads]int{0, 0, 0, 0}, 0},
		{[model.NumRoads]int{1, 2, 3, 4}, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxDemandIndex(tt.demand), "demand %v", tt.demand)
	}
}

func TestScenarioMaxDemandNoEmergency(t *testing.T) {
	plan := model.Plan{Demands: [model.NumRoads]int{12, 3, 0, 7}, Emergency: model.NoEmergency()}
	in, rec := runPlan(t, plan)

	assert.Equal(t, []int{0, 0, 3, 1, 0, 3}, rec.grantedRoads())

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	first := snaps[0]
	require.NotNil(t, first.Grant)
	assert.Equal(t, [model.NumRoads]int{12, 3, 0, 7}, first.Grant.Decision)
	assert.Equal(t, 7, first.Roads[0].Demand)

	second := snaps[1]
	require.NotNil(t, second.Grant)
	assert.Equal(t, [model.NumRoads]int{7, 3, 0, 7}, second.Grant.Decision)
	assert.Equal(t, 0, second.Grant.Road, "tie between roads 0 and 3 goes to the lower index")
	assert.Equal(t, 2, second.Roads[0].Demand)

	final := in.Snapshot()
	assert.True(t, final.AllClear)
	assert.Zero(t, final.TotalDemand())
}

func TestScenarioEmergencyOverridesTie(t *testing.T) {
	em, err := model.NewEmergency(2, model.VehicleAmbulance)
	require.NoError(t, err)
	plan := model.Plan{Demands: [model.NumRoads]int{4, 4, 4, 4}, Emergency: em}

	_, rec := runPlan(t, plan)
	assert.Equal(t, []int{2, 0, 1, 3}, rec.grantedRoads())

	first := rec.all()[0]
	require.NotNil(t, first.Grant)
	assert.True(t, first.Grant.Emergency)
	assert.True(t, first.Grant.EmergencyCleared)
	assert.Equal(t, [model.NumRoads]int{4, 4, 0, 4}, [model.NumRoads]int{
		first.Roads[0].Demand, first.Roads[1].Demand, first.Roads[2].Demand, first.Roads[3].Demand,
	})
	assert.False(t, first.Emergency.Active())
}

func TestEmergencyHoldsUntilDrained(t *testing.T) {
	em, err := model.NewEmergency(3, model.VehicleFireBrigade)
	require.NoError(t, err)
	plan := model.Plan{Demands: [model.NumRoads]int{19, 18, 17, 12}, Emergency: em}

	_, rec := runPlan(t, plan)
	roads := rec.grantedRoads()
	require.GreaterOrEqual(t, len(roads), 3)
	assert.Equal(t, []int{3, 3, 3}, roads[:3], "road 3 needs three quanta to drain 12")
	assert.NotEqual(t, 3, roads[3])
}

func TestEmergencyOnEmptyRoadIsClearedWithoutGrant(t *testing.T) {
	em, err := model.NewEmergency(1, model.VehiclePolice)
	require.NoError(t, err)
	plan := model.Plan{Demands: [model.NumRoads]int{3, 0, 6, 0}, Emergency: em}

	in, rec := runPlan(t, plan)
	assert.Equal(t, []int{2, 0, 2}, rec.grantedRoads())
	for _, s := range rec.all() {
		if s.Grant != nil {
			assert.False(t, s.Grant.Emergency)
		}
	}
	assert.False(t, in.Snapshot().Emergency.Active())
}

func TestAllZeroTerminatesImmediately(t *testing.T) {
	in, rec := runPlan(t, model.Plan{Emergency: model.NoEmergency()})

	select {
	case <-in.Done():
	default:
		t.Fatalf("Done channel not closed")
	}
	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].AllClear)
	assert.Nil(t, snaps[0].Grant)
	assert.Equal(t, model.NoRoad, snaps[0].GreenRoad())
}

// TestArbitrationProperties checks every published snapshot of many random
// runs against the arbitration rules.
func TestArbitrationProperties(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		plan, err := traffic.NewRandom(seed).Generate()
		require.NoError(t, err)

		_, rec := runPlan(t, plan)
		snaps := rec.all()
		require.NotEmpty(t, snaps)

		emergency := plan.Emergency
		clears := 0
		for n, s := range snaps {
			require.Equal(t, uint64(n+1), s.Seq, "seed %d: snapshots out of order", seed)

			greens := 0
			for _, r := range s.Roads {
				require.GreaterOrEqual(t, r.Demand, 0)
				if r.Light == model.Green {
					greens++
				}
			}
			require.LessOrEqual(t, greens, 1, "seed %d seq %d: mutual exclusion", seed, s.Seq)

			g := s.Grant
			if g == nil {
				require.True(t, s.AllClear)
				require.Equal(t, n, len(snaps)-1, "all-clear must be the last snapshot")
				require.Zero(t, s.TotalDemand())
				continue
			}
			require.False(t, s.AllClear, "seed %d: all-clear while demand remained", seed)

			require.Positive(t, g.DemandBefore, "seed %d: granted an empty road", seed)
			require.Equal(t, max(0, g.DemandBefore-Quantum), g.DemandAfter)
			require.Equal(t, g.Road, s.GreenRoad())

			if emergency.Active() && g.Decision[emergency.Road] > 0 {
				require.Equal(t, emergency.Road, g.Road, "seed %d: emergency precedence", seed)
				require.True(t, g.Emergency)
			} else {
				require.False(t, g.Emergency)
				for r, d := range g.Decision {
					require.GreaterOrEqual(t, g.Decision[g.Road], d, "seed %d: max-demand", seed)
					if r < g.Road {
						require.Less(t, d, g.Decision[g.Road], "seed %d: lowest-index tie-break", seed)
					}
				}
			}

			if g.EmergencyCleared {
				clears++
				emergency = model.NoEmergency()
			}
			if !emergency.Active() {
				require.False(t, s.Emergency.Active(), "seed %d: emergency reactivated", seed)
			}
		}
		require.LessOrEqual(t, clears, 1)
		require.True(t, snaps[len(snaps)-1].AllClear)
	}
}

func TestMutualExclusionUnderConcurrentObservation(t *testing.T) {
	in := NewIntersection(
		WithClock(timectrl.NewTimeController(time.Now(), timectrl.RealTime)),
		WithGreenInterval(time.Millisecond),
	)
	require.NoError(t, in.Load(model.Plan{Demands: [model.NumRoads]int{15, 14, 13, 12}, Emergency: model.NoEmergency()}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	violations := 0
	go func() {
		defer observer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			greens := 0
			for _, r := range in.Snapshot().Roads {
				if r.Light == model.Green {
					greens++
				}
			}
			if greens > 1 {
				violations++
			}
		}
	}()

	require.NoError(t, in.Run(ctx))
	close(stop)
	observer.Wait()
	assert.Zero(t, violations)
	assert.Zero(t, in.Snapshot().TotalDemand())
}

func TestRunCancelledMidGrant(t *testing.T) {
	in := NewIntersection(
		WithClock(timectrl.NewTimeController(time.Now(), timectrl.RealTime)),
		WithGreenInterval(time.Hour),
	)
	require.NoError(t, in.Load(model.Plan{Demands: [model.NumRoads]int{5, 1, 1, 1}, Emergency: model.NoEmergency()}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- in.Run(ctx) }()

	require.Eventually(t, func() bool {
		return in.Snapshot().GreenRoad() == 0
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
	snap := in.Snapshot()
	assert.Equal(t, 5, snap.Roads[0].Demand, "interrupted grant must not decrement")
	assert.Equal(t, model.NoRoad, snap.GreenRoad(), "interrupted grant must give up the light")
	for r, road := range snap.Roads {
		assert.Equal(t, model.Red, road.Light, "road %d", r)
	}
	select {
	case <-in.Done():
		t.Fatalf("Done closed although demand remained")
	default:
	}
}

func TestRunTwiceAndLoadAfterRun(t *testing.T) {
	in, _ := runPlan(t, model.Plan{Demands: [model.NumRoads]int{1, 0, 0, 0}, Emergency: model.NoEmergency()})

	require.ErrorIs(t, in.Run(context.Background()), ErrAlreadyRunning)
	require.ErrorIs(t, in.Load(model.Plan{Emergency: model.NoEmergency()}), ErrAlreadyRunning)
}

type failingGenerator struct{}

func (failingGenerator) Generate() (model.Plan, error) {
	return model.Plan{}, errors.New("no sensors")
}

func TestGenerateTraffic(t *testing.T) {
	in := NewIntersection()
	require.ErrorIs(t, in.GenerateTraffic(nil), ErrNoGenerator)

	err := in.GenerateTraffic(failingGenerator{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sensors")

	require.NoError(t, in.GenerateTraffic(traffic.NewRandom(3)))
	snap := in.Snapshot()
	assert.True(t, snap.Emergency.Active())
	for _, r := range snap.Roads {
		assert.Less(t, r.Demand, traffic.MaxDemand)
	}
}

func TestLoadRejectsInvalidPlan(t *testing.T) {
	in := NewIntersection()
	err := in.Load(model.Plan{Demands: [model.NumRoads]int{1, 1, 1, 1}, Emergency: model.EmergencyCondition{Road: 7, Class: model.VehiclePolice}})
	require.ErrorIs(t, err, model.ErrInvalidRoad)
	assert.Zero(t, in.Snapshot().TotalDemand())
}

func TestInconsistentEmergencyPanics(t *testing.T) {
	in := NewIntersection()
	in.mu.Lock()
	in.demand = [model.NumRoads]int{1, 1, 1, 1}
	in.emergency = model.EmergencyCondition{Road: 2, Class: model.VehicleNone}
	in.mu.Unlock()

	require.Panics(t, func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.selectWinnerLocked(context.Background())
	})
}
