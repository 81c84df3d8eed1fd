package telemetry

import "codeberg.org/mutker/gasmeterd/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidListen = errors.ErrorCode("telemetry_invalid_listen")
	ErrServe         = errors.ErrorCode("telemetry_serve_failed")
	ErrShutdown      = errors.ErrShutdownFailed
)
