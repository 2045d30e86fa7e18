// Package settings holds the detection parameters read once per frame and the
// providers that load them.
package settings

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalid marks a settings snapshot that cannot be used for analysis.
var ErrInvalid = errors.New("invalid settings")

// Snapshot is an immutable copy of the detection settings taken for one frame.
// Percentages are integers in [0,100]; TriggerResetTime is in milliseconds.
type Snapshot struct {
	CameraRotation             int  `toml:"camera_rotation" json:"camera_rotation"`
	CameraFlash                bool `toml:"camera_flash" json:"camera_flash"`
	CameraExposureCompensation int  `toml:"camera_exposure_compensation" json:"camera_exposure_compensation"`

	WindowOffset int `toml:"window_offset" json:"window_offset"`
	WindowHeight int `toml:"window_height" json:"window_height"`

	ColorBlueProjection    int `toml:"color_blue_projection" json:"color_blue_projection"`
	ColorRedProjection     int `toml:"color_red_projection" json:"color_red_projection"`
	ColorDistanceThreshold int `toml:"color_distance_threshold" json:"color_distance_threshold"`
	ColorLumaThreshold     int `toml:"color_luma_threshold" json:"color_luma_threshold"`

	TriggerFillThreshold      int   `toml:"trigger_fill_threshold" json:"trigger_fill_threshold"`
	TriggerFillResetThreshold int   `toml:"trigger_fill_reset_threshold" json:"trigger_fill_reset_threshold"`
	TriggerResetTime          int64 `toml:"trigger_reset_time" json:"trigger_reset_time"`
}

// Defaults returns the factory settings.
func Defaults() Snapshot {
	return Snapshot{
		CameraRotation:            0,
		WindowOffset:              40,
		WindowHeight:              20,
		ColorBlueProjection:       40,
		ColorRedProjection:        83,
		ColorDistanceThreshold:    20,
		ColorLumaThreshold:        25,
		TriggerFillThreshold:      30,
		TriggerFillResetThreshold: 20,
		TriggerResetTime:          500,
	}
}

// MaxResetTime bounds TriggerResetTime (ms) so ResetTime cannot overflow.
const MaxResetTime = math.MaxInt32

// ResetTime returns TriggerResetTime as a duration.
func (s Snapshot) ResetTime() time.Duration {
	return time.Duration(s.TriggerResetTime) * time.Millisecond
}

// Validate reports the first out-of-range field, wrapped in ErrInvalid.
func (s Snapshot) Validate() error {
	switch s.CameraRotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("%w: camera_rotation %d not one of 0, 90, 180, 270", ErrInvalid, s.CameraRotation)
	}

	percents := []struct {
		name  string
		value int
	}{
		{"window_offset", s.WindowOffset},
		{"window_height", s.WindowHeight},
		{"color_blue_projection", s.ColorBlueProjection},
		{"color_red_projection", s.ColorRedProjection},
		{"color_distance_threshold", s.ColorDistanceThreshold},
		{"color_luma_threshold", s.ColorLumaThreshold},
		{"trigger_fill_threshold", s.TriggerFillThreshold},
		{"trigger_fill_reset_threshold", s.TriggerFillResetThreshold},
	}
	for _, p := range percents {
		if p.value < 0 || p.value > 100 {
			return fmt.Errorf("%w: %s %d out of range [0,100]", ErrInvalid, p.name, p.value)
		}
	}

	if s.WindowOffset+s.WindowHeight > 100 {
		return fmt.Errorf("%w: window_offset + window_height = %d exceeds 100",
			ErrInvalid, s.WindowOffset+s.WindowHeight)
	}
	if s.TriggerResetTime < 0 {
		return fmt.Errorf("%w: trigger_reset_time %d is negative", ErrInvalid, s.TriggerResetTime)
	}
	if s.TriggerResetTime > MaxResetTime {
		return fmt.Errorf("%w: trigger_reset_time %d exceeds %d", ErrInvalid, s.TriggerResetTime, MaxResetTime)
	}
	return nil
}

// Provider supplies a snapshot for each frame. A non-nil error means the
// settings are invalid for that frame.
type Provider interface {
	Load() (Snapshot, error)
}

// Static is a Provider that always returns the same snapshot, validated on
// every call.
type Static Snapshot

// Load implements Provider.
func (s Static) Load() (Snapshot, error) {
	snap := Snapshot(s)
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
