package utils

import "time"

// MakeEpochMillis returns milliseconds since epoch
func MakeEpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// MakeTimeFromEpochMillis returns time.Time from milliseconds since epoch
func MakeTimeFromEpochMillis(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
