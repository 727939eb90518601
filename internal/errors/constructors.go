package errors

// Convenience functions for common error patterns

// Config errors

func ConfigNotFound(path string) *RunnerdError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigRequired(field string) *RunnerdError {
	return New(CategoryConfig, SeverityFatal, "required configuration missing").
		WithContext("field", field)
}

func ValidationFailed(field, reason string) *RunnerdError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// Forge errors

func UpstreamError(endpoint string, cause error) *RunnerdError {
	return WrapRetryable(cause, CategoryUpstream, SeverityWarning, "forge request failed").
		WithContext("endpoint", endpoint)
}

func RateLimitedError(resetAt string) *RunnerdError {
	return Retryable(CategoryRateLimit, SeverityWarning, "forge rate limit exhausted").
		WithContext("reset_at", resetAt)
}

func ForgeAuthError(cause error) *RunnerdError {
	return Wrap(cause, CategoryAuth, SeverityFatal, "forge authentication failed")
}

// Container daemon errors

func ContainerOpFailed(op, containerID string, cause error) *RunnerdError {
	return Wrap(cause, CategoryDaemon, SeverityError, "container operation failed").
		WithContext("operation", op).
		WithContext("container_id", containerID)
}

func NetworkOpFailed(op, network string, cause error) *RunnerdError {
	return Wrap(cause, CategoryDaemon, SeverityError, "network operation failed").
		WithContext("operation", op).
		WithContext("network", network)
}

// Dispatch errors

func PolicyViolation(reason string) *RunnerdError {
	return New(CategoryPolicy, SeverityError, "security policy blocks execution").
		WithContext("reason", reason)
}

func Conflict(message string) *RunnerdError {
	return New(CategoryConflict, SeverityWarning, message)
}

func NotFound(kind, id string) *RunnerdError {
	return New(CategoryNotFound, SeverityWarning, kind+" not found").
		WithContext("id", id)
}

func TransientError(subsystem string, cause error) *RunnerdError {
	return WrapRetryable(cause, CategoryTransient, SeverityWarning, "transient storage/broker failure").
		WithContext("subsystem", subsystem)
}

// Internal errors

func InternalError(message string, cause error) *RunnerdError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}
