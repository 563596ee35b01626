// Package pgtime converts PostgreSQL timestamp representations carried in
// probe events to Go time values.
//
// Portal creation timestamps are delivered as microseconds since the Unix
// epoch (the in-kernel probe rebases them from the PostgreSQL epoch), and
// instrumentation counters as struct timespec pairs.
package pgtime

import "time"

// MicrosToTime converts microseconds since the Unix epoch to wall-clock time.
func MicrosToTime(micros uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion is safe for realistic timestamps
	return time.UnixMicro(int64(micros))
}

// TimespecToDuration converts a timespec pair to a duration.
func TimespecToDuration(sec, nsec int64) time.Duration {
	return time.Duration(sec)*time.Second + time.Duration(nsec)*time.Nanosecond
}
