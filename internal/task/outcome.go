// ABOUTME: Outcome types reported for task invocations
// ABOUTME: Success, transient/permanent failure, and cancellation constructors

package task

import "github.com/loomworks/loom/internal/store"

// OutcomeKind discriminates the result of a task invocation
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one invocation attempt
type Outcome struct {
	Kind   OutcomeKind
	Result string
	Err    *store.TaskError
}

// Success builds a completed outcome carrying the result payload.
func Success(result string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// TransientFailure builds a retryable failure outcome.
func TransientFailure(detail string) Outcome {
	return Outcome{
		Kind: OutcomeTransientFailure,
		Err:  &store.TaskError{Kind: store.ErrorKindTool, Detail: detail},
	}
}

// TimeoutFailure builds a retryable failure caused by a blown deadline.
// Timeouts follow the same retry accounting as other transient failures.
func TimeoutFailure(detail string) Outcome {
	return Outcome{
		Kind: OutcomeTransientFailure,
		Err:  &store.TaskError{Kind: store.ErrorKindTimeout, Detail: detail},
	}
}

// PermanentFailure builds a terminal failure outcome.
func PermanentFailure(detail string) Outcome {
	return Outcome{
		Kind: OutcomePermanentFailure,
		Err:  &store.TaskError{Kind: store.ErrorKindTool, Detail: detail},
	}
}

// Cancelled builds a cancellation outcome.
func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}
