// Package sensors holds the fixed sensor catalog and the per-sensor sample
// buffers shared between the handshake reader and the persistence scheduler.
package sensors

import (
	"fmt"
	"regexp"
)

// Descriptor identifies one sensor on the wire. Descriptors are created once
// at startup and never mutated.
type Descriptor struct {
	// ID is the single identity byte the sender transmits after REQUEST.
	ID byte `json:"id"`
	// Name is unique and doubles as the storage key.
	Name string `json:"name"`
	// Length is the number of samples in one payload.
	Length int `json:"length"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(0x%02X, n=%d)", d.Name, d.ID, d.Length)
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks a single descriptor in isolation.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("sensor 0x%02X: name is required", d.ID)
	}
	if !validName.MatchString(d.Name) {
		return fmt.Errorf("sensor 0x%02X: name %q is not a valid storage key", d.ID, d.Name)
	}
	if d.Length < 1 {
		return fmt.Errorf("sensor %s: length must be at least 1, got %d", d.Name, d.Length)
	}
	return nil
}

// DefaultCatalog returns the sensors fitted to the rover.
func DefaultCatalog() []Descriptor {
	return []Descriptor{
		{ID: 0x11, Name: "Battery_Level", Length: 1},
		{ID: 0x22, Name: "Light_Sensor", Length: 1},
		{ID: 0x33, Name: "Left_Encoder", Length: 1},
		{ID: 0x44, Name: "Right_Encoder", Length: 1},
		{ID: 0x55, Name: "Angular_Position", Length: 1},
		{ID: 0x66, Name: "Distance_Traveled", Length: 1},
		{ID: 0x80, Name: "Lidar_North", Length: 1},
		{ID: 0x81, Name: "Lidar_NorthEast", Length: 1},
		{ID: 0x82, Name: "Lidar_East", Length: 1},
		{ID: 0x83, Name: "Lidar_SouthEast", Length: 1},
		{ID: 0x84, Name: "Lidar_South", Length: 1},
		{ID: 0x85, Name: "Lidar_SouthWest", Length: 1},
		{ID: 0x86, Name: "Lidar_West", Length: 1},
		{ID: 0x87, Name: "Lidar_NorthWest", Length: 1},
	}
}
