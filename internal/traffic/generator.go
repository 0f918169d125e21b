package traffic

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/signalsfoundry/intersection-arbiter/model"
)

// MaxDemand is the exclusive upper bound of randomly generated demand.
const MaxDemand = 20

// ErrMalformedDemands indicates a demand list that cannot be parsed.
var ErrMalformedDemands = errors.New("malformed demand list")

// Random draws each road's demand uniformly from [0, MaxDemand) and pins
// exactly one road with exactly one emergency vehicle class.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a generator seeded with seed. Equal seeds yield equal
// plans.
func NewRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Generate implements core.Generator.
func (g *Random) Generate() (model.Plan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var plan model.Plan
	for i := range plan.Demands {
		plan.Demands[i] = g.rng.IntN(MaxDemand)
	}
	road := g.rng.IntN(model.NumRoads)
	class := model.EmergencyClasses[g.rng.IntN(len(model.EmergencyClasses))]

	em, err := model.NewEmergency(road, class)
	if err != nil {
		return model.Plan{}, err
	}
	plan.Emergency = em
	return plan, nil
}

// Fixed replays a caller-supplied plan, for tests and explicit CLI input.
type Fixed struct {
	Plan model.Plan
}

// NewFixed builds a Fixed generator from a demand vector and an optional
// emergency; pass model.NoEmergency() for none.
func NewFixed(demands [model.NumRoads]int, emergency model.EmergencyCondition) *Fixed {
	return &Fixed{Plan: model.Plan{Demands: demands, Emergency: emergency}}
}

// Generate implements core.Generator.
func (f *Fixed) Generate() (model.Plan, error) {
	if err := f.Plan.Validate(); err != nil {
		return model.Plan{}, err
	}
	return f.Plan, nil
}

// ParseDemands parses a comma separated list of exactly four non-negative
// integers, e.g. "12,3,0,7".
func ParseDemands(s string) ([model.NumRoads]int, error) {
	var out [model.NumRoads]int
	parts := strings.Split(s, ",")
	if len(parts) != model.NumRoads {
		return out, fmt.Errorf("%w: want %d values, got %d", ErrMalformedDemands, model.NumRoads, len(parts))
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, fmt.Errorf("%w: %q: %v", ErrMalformedDemands, p, err)
		}
		if v < 0 {
			return out, fmt.Errorf("%w: road %d has demand %d", model.ErrNegativeDemand, i, v)
		}
		out[i] = v
	}
	return out, nil
}
