package mqtt

import "codeberg.org/mutker/picogov/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("mqtt_invalid_config")
	ErrConnectFailed = errors.ErrorCode("mqtt_connect_failed")
	ErrPublishFailed = errors.ErrorCode("mqtt_publish_failed")
)
