package lpmath

// RangeStatus is the result of classifying a position against the pool tick.
type RangeStatus int

const (
	OutOfRange RangeStatus = iota
	InRange
)

func (s RangeStatus) String() string {
	if s == InRange {
		return "in range"
	}
	return "out of range"
}

// InRange reports whether s is InRange.
func (s RangeStatus) InRange() bool {
	return s == InRange
}

// StatusOf converts a stored in_range flag.
func StatusOf(inRange bool) RangeStatus {
	if inRange {
		return InRange
	}
	return OutOfRange
}

// Classify returns InRange iff tickLower <= currentTick < tickUpper.
func Classify(currentTick, tickLower, tickUpper int32) RangeStatus {
	if tickLower <= currentTick && currentTick < tickUpper {
		return InRange
	}
	return OutOfRange
}
