package terraform

import "errors"

var (
	// ErrMissingVariables is returned before any process is spawned when no
	// variable source is available for the workspace.
	ErrMissingVariables = errors.New("terraform variables not found")

	// ErrConflictingVariableSources is returned when explicit variables are
	// combined with variables from the store.
	ErrConflictingVariableSources = errors.New("explicit variables and store variables are mutually exclusive")

	// ErrInvalidOperation is returned for unknown operations.
	ErrInvalidOperation = errors.New("invalid terraform operation")

	// ErrProjectNotFound is returned when the project directory does not exist.
	ErrProjectNotFound = errors.New("terraform project not found")

	// ErrWorkspaceRequired is returned when an operation needs a workspace.
	ErrWorkspaceRequired = errors.New("terraform workspace is required")
)
