// Package doser holds the domain model for a multi-pump chemical dosing rig:
// pumps bound to motor axes, recipes, the dosing job record, and the error
// taxonomy shared by the control packages.
package doser

import "fmt"

// NumPumps is the number of pump channels on the rig. Each channel is bound
// 1:1 to a motor axis for the life of the system.
const NumPumps = 4

// PumpID identifies one of the rig's pump channels.
type PumpID int

const (
	Pump1 PumpID = iota
	Pump2
	Pump3
	Pump4

	// PumpNone marks "no pump active" in status snapshots.
	PumpNone PumpID = -1
)

// Axis is a motor axis letter as used on the wire.
type Axis byte

const (
	AxisX Axis = 'X'
	AxisY Axis = 'Y'
	AxisZ Axis = 'Z'
	AxisA Axis = 'A'
)

var pumpAxes = [NumPumps]Axis{AxisX, AxisY, AxisZ, AxisA}

// Axis returns the motor axis the pump is bound to. The mapping is fixed and
// total; calling Axis on an invalid PumpID panics.
func (p PumpID) Axis() Axis {
	return pumpAxes[p]
}

// Valid reports whether p names one of the rig's pump channels.
func (p PumpID) Valid() bool {
	return p >= 0 && p < NumPumps
}

func (p PumpID) String() string {
	if !p.Valid() {
		return "pump-none"
	}
	return fmt.Sprintf("pump%d", p+1)
}

// PumpForAxis returns the pump bound to the given axis letter.
func PumpForAxis(a Axis) (PumpID, bool) {
	for i, ax := range pumpAxes {
		if ax == a {
			return PumpID(i), true
		}
	}
	return PumpNone, false
}
