package engine

import "fmt"

// StoreWriteError is returned when a step of the job could not be
// persisted even after retries. The engine stops at that step.
type StoreWriteError struct {
	JobID string
	Step  string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("job %s: persisting %s: %v", e.JobID, e.Step, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}
