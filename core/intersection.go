package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/intersection-arbiter/internal/logging"
	"github.com/signalsfoundry/intersection-arbiter/model"
	"github.com/signalsfoundry/intersection-arbiter/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Quantum is the demand removed from the granted road per green interval.
	Quantum = 5
	// DefaultGreenInterval is how long a grant holds the green light.
	DefaultGreenInterval = 5 * time.Second

	tracerName = "github.com/signalsfoundry/intersection-arbiter/core"
)

var (
	// ErrAlreadyRunning indicates the intersection has already been started;
	// its traffic can no longer be replaced and it cannot be run again.
	ErrAlreadyRunning = errors.New("intersection already running")
	// ErrNoGenerator indicates GenerateTraffic was called without a source.
	ErrNoGenerator = errors.New("no traffic generator")
)

// Generator supplies the initial load for an intersection. The core only
// depends on the shape of the plan, not on how it was produced.
type Generator interface {
	Generate() (model.Plan, error)
}

// MetricsRecorder receives arbitration events. It is satisfied by
// observability.IntersectionCollector.
type MetricsRecorder interface {
	RecordGrant(road int, emergency bool, d time.Duration)
	RecordWait(road int)
	SetDemands(demands []int)
	SetEmergencyActive(active bool)
	RecordEmergencyCleared()
}

// Intersection owns four traffic lights, four demand counters and one
// emergency condition, all guarded by mu. Four road handlers contend for the
// single green grant until every demand is zero.
type Intersection struct {
	// mu guards every field below up to (and including) pending. Every
	// arbitration decision is computed while holding it.
	mu   sync.Mutex
	cond *sync.Cond

	lights    [model.NumRoads]model.TrafficLight
	demand    [model.NumRoads]int
	emergency model.EmergencyCondition

	// holder is the road currently driving through a grant, or NoRoad.
	holder   int
	running  bool
	allClear bool
	seq      uint64
	pending  []model.Snapshot

	done chan struct{}

	// publishMu serialises subscriber delivery so snapshots arrive in Seq
	// order. It is always taken before mu, never while holding it.
	publishMu sync.Mutex
	subs      []func(model.Snapshot)

	clock   timectrl.SimClock
	green   time.Duration
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// Option customises Intersection construction.
type Option func(*Intersection)

// WithClock sets the clock used to time green intervals.
func WithClock(c timectrl.SimClock) Option {
	return func(i *Intersection) {
		if c != nil {
			i.clock = c
		}
	}
}

// WithGreenInterval sets how long each grant holds the green light.
func WithGreenInterval(d time.Duration) Option {
	return func(i *Intersection) {
		if d >= 0 {
			i.green = d
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(i *Intersection) {
		if l != nil {
			i.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(i *Intersection) {
		i.metrics = m
	}
}

// WithTracer overrides the tracer used for grant spans.
func WithTracer(t trace.Tracer) Option {
	return func(i *Intersection) {
		if t != nil {
			i.tracer = t
		}
	}
}

// NewIntersection builds an intersection with every light RED, every demand
// zero and no emergency.
func NewIntersection(opts ...Option) *Intersection {
	i := &Intersection{
		emergency: model.NoEmergency(),
		holder:    model.NoRoad,
		done:      make(chan struct{}),
		clock:     timectrl.NewTimeController(time.Now(), timectrl.RealTime),
		green:     DefaultGreenInterval,
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
	}
	i.cond = sync.NewCond(&i.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.log = i.log.With(logging.String("component", "intersection"))
	return i
}

// GenerateTraffic asks gen for the initial plan and loads it.
func (i *Intersection) GenerateTraffic(gen Generator) error {
	if gen == nil {
		return ErrNoGenerator
	}
	plan, err := gen.Generate()
	if err != nil {
		return fmt.Errorf("generate traffic: %w", err)
	}
	return i.Load(plan)
}

// Load installs plan as the intersection's initial state. It must be called
// before Run.
func (i *Intersection) Load(plan model.Plan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return ErrAlreadyRunning
	}
	i.demand = plan.Demands
	i.emergency = plan.Emergency
	i.updateMetricsLocked()
	return nil
}

// Subscribe registers fn to receive every published snapshot, in Seq order.
// fn must treat the snapshot as read-only; it may call Snapshot.
func (i *Intersection) Subscribe(fn func(model.Snapshot)) {
	if fn == nil {
		return
	}
	i.publishMu.Lock()
	i.subs = append(i.subs, fn)
	i.publishMu.Unlock()
}

// Snapshot returns a consistent copy of the current state.
func (i *Intersection) Snapshot() model.Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

// Done is closed once every demand has reached zero.
func (i *Intersection) Done() <-chan struct{} {
	return i.done
}

func (i *Intersection) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Seq:       i.seq,
		Emergency: i.emergency,
		AllClear:  i.allClear,
	}
	for r := range snap.Roads {
		snap.Roads[r] = model.RoadState{
			Demand: i.demand[r],
			Light:  i.lights[r].State(),
		}
	}
	return snap
}

// enqueueLocked stamps a new snapshot with the next sequence number and
// queues it for delivery by flush.
func (i *Intersection) enqueueLocked(g *model.Grant) model.Snapshot {
	i.seq++
	snap := i.snapshotLocked()
	snap.Grant = g
	i.pending = append(i.pending, snap)
	return snap
}

// flush delivers queued snapshots to subscribers outside mu.
func (i *Intersection) flush() {
	i.publishMu.Lock()
	defer i.publishMu.Unlock()

	i.mu.Lock()
	batch := i.pending
	i.pending = nil
	i.mu.Unlock()

	for _, snap := range batch {
		for _, fn := range i.subs {
			fn(snap)
		}
	}
}

// switchLightsLocked turns road GREEN and every other road RED in one
// critical section, so no two roads are ever GREEN together.
func (i *Intersection) switchLightsLocked(road int) {
	for r := range i.lights {
		if r == road {
			i.lights[r].SetGreen()
		} else {
			i.lights[r].SetRed()
		}
	}
}

func (i *Intersection) allRedLocked() {
	for r := range i.lights {
		i.lights[r].SetRed()
	}
}

// decreaseLocked removes one quantum from road, clamped at zero.
func (i *Intersection) decreaseLocked(road int) int {
	if i.demand[road] > Quantum {
		i.demand[road] -= Quantum
	} else {
		i.demand[road] = 0
	}
	return i.demand[road]
}

func (i *Intersection) allZeroLocked() bool {
	for _, d := range i.demand {
		if d != 0 {
			return false
		}
	}
	return true
}

// assertEmergencyLocked panics if the road/class pairing is broken. The
// aggregate only ever stores validated conditions, so this is a defect.
func (i *Intersection) assertEmergencyLocked() {
	if err := i.emergency.Validate(); err != nil {
		panic(fmt.Sprintf("intersection: emergency invariant violated: %v", err))
	}
}

func (i *Intersection) clearEmergencyLocked(ctx context.Context) {
	prev := i.emergency
	i.emergency = model.NoEmergency()
	if i.metrics != nil {
		i.metrics.RecordEmergencyCleared()
		i.metrics.SetEmergencyActive(false)
	}
	i.log.Info(ctx, "emergency cleared",
		logging.Int("road", prev.Road),
		logging.String("vehicle", prev.Class.String()),
	)
}

func (i *Intersection) updateMetricsLocked() {
	if i.metrics == nil {
		return
	}
	i.metrics.SetDemands(i.demand[:])
	i.metrics.SetEmergencyActive(i.emergency.Active())
}
