package model

import (
	"errors"
	"fmt"
)

// ErrNegativeDemand indicates a plan carrying a demand below zero.
var ErrNegativeDemand = errors.New("negative demand")

// RoadState is the per-road part of an intersection snapshot.
type RoadState struct {
	Demand int
	Light  LightState
}

// Grant describes one completed green interval.
type Grant struct {
	// Road is the index that held the green light.
	Road int
	// DemandBefore and DemandAfter bracket the decrement.
	DemandBefore int
	DemandAfter  int
	// Decision is the demand vector observed when the winner was chosen.
	Decision [NumRoads]int
	// Emergency is true when the grant was forced by an emergency condition.
	Emergency bool
	// EmergencyCleared is true when this grant exhausted the emergency road.
	EmergencyCleared bool
}

// Snapshot is an immutable copy of intersection state handed to status
// sinks. Seq increases by one for every published snapshot.
type Snapshot struct {
	Seq       uint64
	Roads     [NumRoads]RoadState
	Emergency EmergencyCondition
	// Grant is set for snapshots published after a grant.
	Grant *Grant
	// AllClear is set on the final snapshot once every demand is zero.
	AllClear bool
}

// GreenRoad returns the index of the road holding the green light, or
// NoRoad.
func (s Snapshot) GreenRoad() int {
	for i, r := range s.Roads {
		if r.Light == Green {
			return i
		}
	}
	return NoRoad
}

// TotalDemand sums the demand across all roads.
func (s Snapshot) TotalDemand() int {
	total := 0
	for _, r := range s.Roads {
		total += r.Demand
	}
	return total
}

// Plan is the initial load applied to an intersection before it runs.
type Plan struct {
	Demands   [NumRoads]int
	Emergency EmergencyCondition
}

// Validate checks demands are non-negative and the emergency is consistent.
func (p Plan) Validate() error {
	for i, d := range p.Demands {
		if d < 0 {
			return fmt.Errorf("%w: road %d has demand %d", ErrNegativeDemand, i, d)
		}
	}
	return p.Emergency.Validate()
}
