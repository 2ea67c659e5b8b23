package model

import "time"

type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// Signal is a directional trading signal as delivered by the signal source.
// Signals are immutable and consumed exactly once.
type Signal struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Confidence      float64   `json:"confidence"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// Opposite returns the contrary trading direction. Neutral has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNeutral
	}
}

// SideFor maps a signal direction onto a position side.
func (d Direction) SideFor() Side {
	if d == DirectionShort {
		return SideShort
	}
	return SideLong
}
