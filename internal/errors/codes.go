package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Pipeline errors
	ErrLaunch                ErrorCode = "launch_failed"
	ErrUnexpectedTermination ErrorCode = "unexpected_termination"
	ErrParse                 ErrorCode = "parse_failed"
	ErrNotStructured         ErrorCode = "not_structured"
	ErrPublish               ErrorCode = "publish_failed"
	ErrCollectHealth         ErrorCode = "collect_health_failed"

	// Operation errors
	ErrTimeout ErrorCode = "operation_timeout"

	// History errors
	ErrInitHistory   ErrorCode = "init_history_failed"
	ErrRecordHistory ErrorCode = "record_history_failed"
	ErrCloseHistory  ErrorCode = "close_history_failed"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:              "Internal error occurred",
	ErrInvalidArgument:       "Invalid argument provided",
	ErrAlreadyRunning:        "Another instance is already running",
	ErrInvalidConfig:         "Invalid configuration",
	ErrMissingConfig:         "Missing configuration",
	ErrBindFlags:             "Failed to bind flags",
	ErrReadConfig:            "Failed to read configuration",
	ErrInvalidInterval:       "Invalid interval value",
	ErrInvalidLogLevel:       "Invalid log level",
	ErrInitFailed:            "Initialization failed",
	ErrShutdownFailed:        "Shutdown failed",
	ErrLaunch:                "Failed to launch decoder pipeline",
	ErrUnexpectedTermination: "Decoder pipeline terminated unexpectedly",
	ErrParse:                 "Failed to parse decoder line",
	ErrNotStructured:         "Line is not structured data",
	ErrPublish:               "Failed to publish message",
	ErrCollectHealth:         "Failed to collect system health",
	ErrTimeout:               "Operation timed out",
	ErrInitHistory:           "Failed to initialize health history",
	ErrRecordHistory:         "Failed to record health history",
	ErrCloseHistory:          "Failed to close health history",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
