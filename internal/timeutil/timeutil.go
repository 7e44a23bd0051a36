// Package timeutil formats exchange event times for user-facing output.
//
// All operator-visible timestamps are rendered in Asia/Shanghai wall clock,
// matching where the desk runs. Internal pacing uses monotonic time elsewhere.
package timeutil

import "time"

const layout = "2006-01-02 15:04:05"

var shanghai *time.Location

func init() {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		// CST has no DST, so a fixed offset is equivalent.
		loc = time.FixedZone("CST", 8*3600)
	}
	shanghai = loc
}

// EventTimeSH renders an exchange event time (unix nanoseconds) as an
// Asia/Shanghai wall-clock string. A zero or negative timestamp falls back
// to the current time.
func EventTimeSH(eventTimeNS int64) string {
	if eventTimeNS <= 0 {
		return NowSH()
	}
	return time.Unix(0, eventTimeNS).In(shanghai).Format(layout)
}

// NowSH returns the current Asia/Shanghai wall-clock time as a string.
func NowSH() string {
	return time.Now().In(shanghai).Format(layout)
}
