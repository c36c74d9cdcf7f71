package dispatch

import (
	"fmt"
	"time"
)

// Estimation is the expected duration of a batch
type Estimation struct {
	Batches int    `json:"estimatedBatches"`
	Seconds int    `json:"estimatedSeconds"`
	Minutes int    `json:"estimatedMinutes"`
	Text    string `json:"estimatedTime"`
}

// Estimate predicts the pacing time of n recipients. Delivery time itself is not included.
func Estimate(n int) Estimation {
	if n < 0 {
		n = 0
	}
	batches := (n + Concurrency - 1) / Concurrency
	seconds := batches * int(WaveDelay/time.Second)
	minutes := (seconds + 59) / 60

	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}

	return Estimation{
		Batches: batches,
		Seconds: seconds,
		Minutes: minutes,
		Text:    fmt.Sprintf("%d %s", minutes, unit),
	}
}
