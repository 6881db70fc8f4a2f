package terraform

import "fmt"

// Operation is a terraform sub-command run by the Runner.
type Operation string

const (
	OperationInit    Operation = "init"
	OperationPlan    Operation = "plan"
	OperationApply   Operation = "apply"
	OperationDestroy Operation = "destroy"
)

// Validate checks the operation is supported.
func (o Operation) Validate() error {
	switch o {
	case OperationInit, OperationPlan, OperationApply, OperationDestroy:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, o)
	}
}

// NeedsVariables reports whether the operation takes input variables.
func (o Operation) NeedsVariables() bool {
	return o != OperationInit
}

// NeedsWorkspace reports whether a workspace is selected before running.
func (o Operation) NeedsWorkspace() bool {
	return o != OperationInit
}

// args returns the sub-command and its fixed flags.
func (o Operation) args() []string {
	switch o {
	case OperationInit:
		return []string{"init", "-input=false"}
	case OperationPlan:
		return []string{"plan", "-input=false"}
	case OperationApply:
		return []string{"apply", "-auto-approve", "-input=false"}
	case OperationDestroy:
		return []string{"destroy", "-auto-approve", "-input=false"}
	default:
		return nil
	}
}
