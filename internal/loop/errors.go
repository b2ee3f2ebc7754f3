package loop

import "fmt"

// TurnError reports where in the turn cycle a failure happened. Iteration
// is the number of completed LLM calls at the time of failure.
type TurnError struct {
	Phase     string
	Iteration int
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed during %s (iteration %d): %v", e.Phase, e.Iteration, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
