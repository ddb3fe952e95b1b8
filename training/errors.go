package training

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Batcher.NextBatch after HasNext has gone
// false. Hitting it is always a caller defect, never expected flow.
var ErrExhausted = errors.New("batcher exhausted: call Reset to start a new epoch")

// ConfigError reports an invalid hyperparameter detected at
// construction time, before any epoch runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// DataError reports a sample that failed extraction or conversion. It
// is recovered locally: the sample is skipped with a logged warning.
type DataError struct {
	Index int
	Err   error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("sample %d failed: %v", e.Index, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// DivergenceError reports a NaN or infinite aggregate training loss.
// It is fatal: the epoch loop aborts and the last good checkpoint is
// left intact.
type DivergenceError struct {
	Epoch int
	Loss  float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d: loss=%v", e.Epoch, e.Loss)
}
