package credentials

import "time"

// nowMs returns the current time as Unix milliseconds, matching the ms
// epoch used throughout the stored credential shapes.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
