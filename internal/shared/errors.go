package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// API and service errors
	ErrAPIRequest          = fmt.Errorf("API request failed")
	ErrServiceUnavailable  = fmt.Errorf("service unavailable")
	ErrCollectionNotFound  = fmt.Errorf("collection not found")
	ErrDependencyMissing   = fmt.Errorf("external dependency missing")
	ErrDownloadFailed      = fmt.Errorf("download failed")
	ErrUnexpectedResponse  = fmt.Errorf("unexpected response")
	ErrProviderRateLimited = fmt.Errorf("provider rate limited")

	// Persistence errors
	ErrNotFound  = fmt.Errorf("record not found")
	ErrDuplicate = fmt.Errorf("duplicate record")

	// Sync checkpoint errors
	ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")
	ErrCheckpointCorrupt  = fmt.Errorf("checkpoint unreadable")
	ErrNotResumable       = fmt.Errorf("checkpoint is not resumable")
	ErrStageViolation     = fmt.Errorf("illegal checkpoint stage move")

	// Task errors
	ErrInvalidTransition = fmt.Errorf("invalid task status transition")
	ErrNoHandler         = fmt.Errorf("no handler registered for task type")
	ErrExecutorRunning   = fmt.Errorf("executor already running")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)
