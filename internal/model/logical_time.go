package model

import "strconv"

// LogicalTime is a value of the process-local logical clock. Zero is
// the invalid sentinel; valid times start at 1.
type LogicalTime uint64

// InvalidLogicalTime is the zero logical time.
const InvalidLogicalTime LogicalTime = 0

// IsValid reports whether the time has been sampled from a clock.
func (t LogicalTime) IsValid() bool {
	return t != InvalidLogicalTime
}

func (t LogicalTime) String() string {
	return strconv.FormatUint(uint64(t), 10)
}
