package console

import "codeberg.org/mutker/picogov/internal/errors"

const (
	ErrConsoleInit     = errors.ErrorCode("console_init_failed")
	ErrEmptyCommand    = errors.ErrorCode("console_empty_command")
	ErrUnknownCommand  = errors.ErrorCode("console_unknown_command")
	ErrInvalidArgument = errors.ErrorCode("console_invalid_argument")
)
