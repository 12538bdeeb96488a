package jog

import (
	"strconv"
	"strings"
)

// AxisMove is one axis word on a move line
type AxisMove struct {
	Axis Axis
	Dist float64
}

// ComposeSegment builds the block for one combined relative move:
//
//	G20
//	G91
//	G1 X0.1 Y-0.1 F120
//	G90
//
// Inches and relative mode are selected for the move only, absolute mode is
// restored afterwards so no other user of the transport inherits G91.
func ComposeSegment(moves []AxisMove, feed float64) string {
	var b strings.Builder
	b.WriteString("G20\nG91\nG1")
	for _, m := range moves {
		b.WriteByte(' ')
		b.WriteString(string(m.Axis))
		b.WriteString(formatNumber(m.Dist))
	}
	b.WriteString(" F")
	b.WriteString(formatNumber(feed))
	b.WriteString("\nG90")
	return b.String()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
