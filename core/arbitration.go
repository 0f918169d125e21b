package core

import (
	"context"
	"errors"

	"github.com/signalsfoundry/intersection-arbiter/internal/logging"
	"github.com/signalsfoundry/intersection-arbiter/model"
	"github.com/signalsfoundry/intersection-arbiter/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// errAllClear stops a road handler once every demand is zero.
var errAllClear = errors.New("all roads cleared")

// claim is a won arbitration round, held by exactly one road at a time.
type claim struct {
	road     int
	forced   bool
	before   int
	decision [model.NumRoads]int
}

// Run starts one handler per road and blocks until every demand is zero, in
// which case it returns nil, or until ctx is done, in which case every
// handler stops and ctx's error is returned.
func (i *Intersection) Run(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return ErrAlreadyRunning
	}
	i.running = true
	i.log.Info(ctx, "starting arbitration",
		logging.Any("demand", i.demand),
		logging.Int("emergency_road", i.emergency.Road),
		logging.String("emergency_vehicle", i.emergency.Class.String()),
	)
	i.mu.Unlock()

	ctx, span := i.tracer.Start(ctx, "intersection.run")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)

	// Waiters block on cond, which knows nothing about contexts.
	stop := context.AfterFunc(gctx, func() {
		i.mu.Lock()
		i.cond.Broadcast()
		i.mu.Unlock()
	})
	defer stop()

	for road := 0; road < model.NumRoads; road++ {
		g.Go(func() error {
			return i.handleRoad(gctx, road)
		})
	}

	err := g.Wait()
	i.flush()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "arbitration interrupted")
		i.log.Warn(ctx, "arbitration stopped before all roads cleared", logging.Err(err))
	}
	return err
}

func (i *Intersection) handleRoad(ctx context.Context, road int) error {
	for {
		c, err := i.acquire(ctx, road)
		if errors.Is(err, errAllClear) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := i.drive(ctx, c); err != nil {
			return err
		}
	}
}

// acquire blocks until road wins arbitration. It returns errAllClear once
// every demand is zero and ctx.Err() if the run is cancelled.
func (i *Intersection) acquire(ctx context.Context, road int) (*claim, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i.allClear {
			return nil, errAllClear
		}
		if i.allZeroLocked() {
			i.finishLocked(ctx)
			return nil, errAllClear
		}

		// Selection and claim happen in one critical section, so two
		// handlers can never both believe they won.
		if i.holder == model.NoRoad {
			winner, forced := i.selectWinnerLocked(ctx)
			if winner == road {
				return i.claimLocked(road, forced), nil
			}
		}

		if i.metrics != nil {
			i.metrics.RecordWait(road)
		}
		i.cond.Wait()
	}
}

// selectWinnerLocked picks the road that should hold the next grant. An
// active emergency wins outright; a drained emergency road is cleared here
// and normal max-demand selection applies.
func (i *Intersection) selectWinnerLocked(ctx context.Context) (int, bool) {
	i.assertEmergencyLocked()
	if i.emergency.Active() {
		if i.demand[i.emergency.Road] > 0 {
			return i.emergency.Road, true
		}
		i.clearEmergencyLocked(ctx)
		i.cond.Broadcast()
	}
	return MaxDemandIndex(i.demand), false
}

// MaxDemandIndex returns the index of the largest demand. Ties go to the
// lowest index.
func MaxDemandIndex(demand [model.NumRoads]int) int {
	maxIdx := 0
	for r := 1; r < len(demand); r++ {
		if demand[r] > demand[maxIdx] {
			maxIdx = r
		}
	}
	return maxIdx
}

func (i *Intersection) claimLocked(road int, forced bool) *claim {
	i.holder = road
	i.switchLightsLocked(road)
	return &claim{
		road:     road,
		forced:   forced,
		before:   i.demand[road],
		decision: i.demand,
	}
}

// drive holds the green light for one interval outside the lock, then
// decrements the road's demand and publishes the result.
func (i *Intersection) drive(ctx context.Context, c *claim) error {
	ctx, span := i.tracer.Start(ctx, "intersection.grant", trace.WithAttributes(
		attribute.Int("road", c.road),
		attribute.Bool("emergency", c.forced),
		attribute.Int("demand.before", c.before),
	))
	defer span.End()

	start := i.clock.Now()
	err := timectrl.Sleep(ctx, i.clock, i.green)
	held := i.clock.Now().Sub(start)

	i.mu.Lock()
	if err != nil {
		// The interval never completed, so the road keeps its demand but
		// loses the light along with the claim.
		i.holder = model.NoRoad
		i.allRedLocked()
		i.cond.Broadcast()
		i.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant interrupted")
		return err
	}

	after := i.decreaseLocked(c.road)
	cleared := false
	if c.forced && i.emergency.Road == c.road && after == 0 {
		i.clearEmergencyLocked(ctx)
		cleared = true
	}
	i.holder = model.NoRoad

	grant := &model.Grant{
		Road:             c.road,
		DemandBefore:     c.before,
		DemandAfter:      after,
		Decision:         c.decision,
		Emergency:        c.forced,
		EmergencyCleared: cleared,
	}
	snap := i.enqueueLocked(grant)
	if i.metrics != nil {
		i.metrics.RecordGrant(c.road, c.forced, held)
		i.updateMetricsLocked()
	}
	i.cond.Broadcast()
	i.mu.Unlock()

	span.SetAttributes(attribute.Int("demand.after", after))
	i.log.Debug(ctx, "grant completed",
		logging.Int("road", c.road),
		logging.Int("demand_before", c.before),
		logging.Int("demand_after", after),
		logging.Bool("emergency", c.forced),
		logging.Int("seq", int(snap.Seq)),
	)

	i.flush()
	return nil
}

// finishLocked records the all-clear exactly once, turns every light RED and
// wakes all handlers so they can exit.
func (i *Intersection) finishLocked(ctx context.Context) {
	if i.allClear {
		return
	}
	i.allClear = true
	i.allRedLocked()
	i.enqueueLocked(nil)
	close(i.done)
	i.updateMetricsLocked()
	i.cond.Broadcast()
	i.log.Info(ctx, "all roads are cleared", logging.Int("grants", int(i.seq-1)))
}
