package omni

import (
	"strconv"
	"time"
)

// voltageScale converts the reported voltage (centivolts, e.g. "395") to volts.
const voltageScale = 100.0

// Status is the last known state of a lock, derived from check-ins and
// heartbeats.
type Status struct {
	// Locked is nil until a heartbeat reports the lock position.
	Locked *bool `json:"locked,omitempty"`

	// Voltage is the battery voltage in volts (0 if unknown).
	Voltage float64 `json:"voltage"`

	// Signal is the reported cellular signal strength (0 if unknown).
	Signal int `json:"signal"`

	// Source is the code of the frame this status came from.
	Source Code `json:"source"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	c := *s
	if s.Locked != nil {
		locked := *s.Locked
		c.Locked = &locked
	}
	return &c
}

// statusFromResponse merges the telemetry carried by a check-in or
// heartbeat into prev. The second return is false for frames that carry no
// telemetry.
//
//	Q0,<voltage>
//	H0,<0 unlocked|1 locked>,<voltage>,<signal>[,...]
func statusFromResponse(prev *Status, resp Response, now time.Time) (*Status, bool) {
	next := prev.Clone()
	if next == nil {
		next = &Status{}
	}

	switch resp.Code {
	case CodeCheckIn:
		if v, ok := parseVoltage(resp.Param(0)); ok {
			next.Voltage = v
		}
	case CodeHeartbeat:
		switch resp.Param(0) {
		case "0":
			locked := false
			next.Locked = &locked
		case "1":
			locked := true
			next.Locked = &locked
		}
		if v, ok := parseVoltage(resp.Param(1)); ok {
			next.Voltage = v
		}
		if sig, err := strconv.Atoi(resp.Param(2)); err == nil {
			next.Signal = sig
		}
	default:
		return prev, false
	}

	next.Source = resp.Code
	next.UpdatedAt = now
	return next, true
}

func parseVoltage(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	raw, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return raw / voltageScale, true
}
