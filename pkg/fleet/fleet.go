// Package fleet attributes decoded frames to vehicles.
//
// Bench telemetry arrives with no vehicle identity, so the bridge assigns
// one: vehicles are handed out round-robin from the configured fleet, and
// each sample gets the vehicle's geography zone. A vehicle configured
// without a zone gets a random one per sample, which is how the default
// demo fleet behaves.
package fleet

import (
	"fmt"
	mrand "math/rand"
	"sync"

	"github.com/canflux/canflux/pkg/telemetry"
)

// Vehicle is one fleet member. An empty Geography means "roaming": a random
// zone is drawn for every sample.
type Vehicle struct {
	ID        string              `json:"id" mapstructure:"id"`
	Geography telemetry.Geography `json:"geography,omitempty" mapstructure:"geography"`
}

// Assigner hands out fleet vehicles round-robin. Safe for concurrent use;
// Replace swaps the fleet wholesale, preserving the rotation position by ID
// where possible.
type Assigner struct {
	mu       sync.Mutex
	vehicles []Vehicle
	next     int
}

// NewAssigner builds an assigner over the given fleet.
func NewAssigner(vehicles []Vehicle) (*Assigner, error) {
	if len(vehicles) == 0 {
		return nil, fmt.Errorf("fleet: no vehicles")
	}
	seen := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		if v.ID == "" {
			return nil, fmt.Errorf("fleet: vehicle with empty id")
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("fleet: duplicate vehicle %s", v.ID)
		}
		seen[v.ID] = true
	}
	return &Assigner{vehicles: append([]Vehicle(nil), vehicles...)}, nil
}

// Default returns the demo fleet of five roaming vehicles.
func Default() *Assigner {
	a, err := NewAssigner([]Vehicle{
		{ID: "VHC_01"}, {ID: "VHC_02"}, {ID: "VHC_03"}, {ID: "VHC_04"}, {ID: "VHC_05"},
	})
	if err != nil {
		panic(err)
	}
	return a
}

// Next returns the next vehicle in rotation. Roaming vehicles come back
// with a freshly drawn geography.
func (a *Assigner) Next() Vehicle {
	a.mu.Lock()
	v := a.vehicles[a.next%len(a.vehicles)]
	a.next = (a.next + 1) % len(a.vehicles)
	a.mu.Unlock()

	if v.Geography == "" {
		v.Geography = telemetry.Geographies[mrand.Intn(len(telemetry.Geographies))]
	}
	return v
}

// Replace swaps in a new fleet, typically after a registry refresh. The
// rotation continues from the vehicle that would have been next, when it
// still exists.
func (a *Assigner) Replace(vehicles []Vehicle) error {
	replacement, err := NewAssigner(vehicles)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var upcoming string
	if len(a.vehicles) > 0 {
		upcoming = a.vehicles[a.next%len(a.vehicles)].ID
	}
	a.vehicles = replacement.vehicles
	a.next = 0
	for i, v := range a.vehicles {
		if v.ID == upcoming {
			a.next = i
			break
		}
	}
	return nil
}

// Vehicles returns a copy of the current fleet.
func (a *Assigner) Vehicles() []Vehicle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Vehicle(nil), a.vehicles...)
}

// Len returns the fleet size.
func (a *Assigner) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.vehicles)
}
