// Package telemetry defines the normalized shapes that flow from Device
// Actors (C4) to the Uplink Publisher (C7): device addresses and the
// Observation produced once per polling cycle.
package telemetry

import (
	"fmt"

	"github.com/sunfield-io/sunspec-collector/internal/sunspecmodel"
)

// DeviceAddress uniquely identifies a polling target. Immutable for the
// lifetime of an actor.
type DeviceAddress struct {
	Host   string
	Port   int
	UnitID uint8
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s:%d#%d", a.Host, a.Port, a.UnitID)
}

// ModelObservation is one decoded SunSpec model block within a cycle.
type ModelObservation struct {
	ModelID int
	Fields  map[string]sunspecmodel.DecodedField
}

// Observation is one emission from a Device Actor for one polling cycle.
// Observations are immutable once emitted.
type Observation struct {
	Sequence  uint64
	TimestampMillis int64
	Address   DeviceAddress
	Models    []ModelObservation
}
