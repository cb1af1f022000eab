package device

import "codeberg.org/mutker/picogov/internal/errors"

const (
	// Operating point errors
	ErrPointRejected = errors.ErrorCode("device_operating_point_rejected")

	// Sensor errors
	ErrSensorRead = errors.ErrorCode("device_sensor_read_failed")
)
