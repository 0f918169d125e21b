package model

import (
	"errors"
	"fmt"
	"strings"
)

// NumRoads is the number of roads meeting at the intersection.
const NumRoads = 4

// NoRoad marks the absence of a road index.
const NoRoad = -1

var (
	// ErrInvalidRoad indicates a road index outside [0, NumRoads).
	ErrInvalidRoad = errors.New("invalid road index")
	// ErrInvalidVehicleClass indicates an unknown emergency vehicle class.
	ErrInvalidVehicleClass = errors.New("invalid vehicle class")
	// ErrInconsistentEmergency indicates an emergency with a road but no
	// vehicle class, or a vehicle class without a road.
	ErrInconsistentEmergency = errors.New("inconsistent emergency condition")
)

// VehicleClass identifies the kind of emergency vehicle waiting on a road.
type VehicleClass int

const (
	VehicleNone VehicleClass = iota
	VehicleAmbulance
	VehiclePolice
	VehicleFireBrigade
)

// EmergencyClasses lists every class that can pin the intersection.
var EmergencyClasses = []VehicleClass{VehicleAmbulance, VehiclePolice, VehicleFireBrigade}

// String returns the display name used in status reports.
func (c VehicleClass) String() string {
	switch c {
	case VehicleAmbulance:
		return "ambulance"
	case VehiclePolice:
		return "police car"
	case VehicleFireBrigade:
		return "fire brigade"
	default:
		return "none"
	}
}

// ParseVehicleClass accepts either the display name or the constant-style
// name ("fire_brigade", "FIRE-BRIGADE", "police", ...).
func ParseVehicleClass(s string) (VehicleClass, error) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "", "none":
		return VehicleNone, nil
	case "ambulance":
		return VehicleAmbulance, nil
	case "police", "police car":
		return VehiclePolice, nil
	case "fire brigade", "fire":
		return VehicleFireBrigade, nil
	default:
		return VehicleNone, fmt.Errorf("%w: %q", ErrInvalidVehicleClass, s)
	}
}

// EmergencyCondition pins every grant to Road until its demand is exhausted.
// Road is NoRoad if and only if Class is VehicleNone.
type EmergencyCondition struct {
	Road  int
	Class VehicleClass
}

// NoEmergency returns the cleared condition.
func NoEmergency() EmergencyCondition {
	return EmergencyCondition{Road: NoRoad, Class: VehicleNone}
}

// NewEmergency builds a validated, active emergency condition.
func NewEmergency(road int, class VehicleClass) (EmergencyCondition, error) {
	e := EmergencyCondition{Road: road, Class: class}
	if class == VehicleNone {
		return NoEmergency(), fmt.Errorf("%w: road %d has no vehicle class", ErrInconsistentEmergency, road)
	}
	if err := e.Validate(); err != nil {
		return NoEmergency(), err
	}
	return e, nil
}

// Active reports whether an emergency currently pins the intersection.
func (e EmergencyCondition) Active() bool {
	return e.Class != VehicleNone
}

// Validate checks the road/class pairing invariant.
func (e EmergencyCondition) Validate() error {
	if e.Class < VehicleNone || e.Class > VehicleFireBrigade {
		return fmt.Errorf("%w: %d", ErrInvalidVehicleClass, int(e.Class))
	}
	if e.Road == NoRoad {
		if e.Class != VehicleNone {
			return fmt.Errorf("%w: %s without a road", ErrInconsistentEmergency, e.Class)
		}
		return nil
	}
	if !ValidRoad(e.Road) {
		return fmt.Errorf("%w: %d", ErrInvalidRoad, e.Road)
	}
	if e.Class == VehicleNone {
		return fmt.Errorf("%w: road %d has no vehicle class", ErrInconsistentEmergency, e.Road)
	}
	return nil
}

// ValidRoad reports whether idx addresses one of the intersection's roads.
func ValidRoad(idx int) bool {
	return idx >= 0 && idx < NumRoads
}
