package doser

import "time"

// WeightSample is one calibrated reading from the scale, normalized to grams.
type WeightSample struct {
	Grams      float64   `json:"grams"`
	Unit       string    `json:"unit"`
	ReceivedAt time.Time `json:"received_at"`
}

// Age returns how long ago the sample arrived.
func (s WeightSample) Age(now time.Time) time.Duration {
	return now.Sub(s.ReceivedAt)
}
