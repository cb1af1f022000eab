package mqtt

import (
	"time"

	"codeberg.org/mutker/picogov/internal/governor"
)

// StatusPayload is the JSON document published on the status topic.
type StatusPayload struct {
	Timestamp    string  `json:"timestamp"`
	Chip         string  `json:"chip"`
	Level        string  `json:"level"`
	FrequencyKHz int     `json:"frequency_khz"`
	VoltageMV    int     `json:"voltage_mv"`
	LoadInstant  float64 `json:"load_instant"`
	LoadSmoothed float64 `json:"load_smoothed"`
	Temperature  float64 `json:"temperature"`
	Throttled    bool    `json:"throttled"`
	Turbo        bool    `json:"turbo"`
	Boost        bool    `json:"boost"`
	Override     bool    `json:"override"`
}

// NewStatusPayload maps a governor snapshot to the published document.
func NewStatusPayload(s governor.Snapshot) StatusPayload {
	return StatusPayload{
		Timestamp:    s.Timestamp.UTC().Format(time.RFC3339),
		Chip:         s.Chip.String(),
		Level:        s.Level.String(),
		FrequencyKHz: int(s.Frequency),
		VoltageMV:    int(s.Voltage),
		LoadInstant:  s.InstantLoad,
		LoadSmoothed: s.SmoothedLoad,
		Temperature:  s.Temperature,
		Throttled:    s.Throttled,
		Turbo:        s.TurboActive,
		Boost:        s.BoostActive,
		Override:     s.Override,
	}
}
