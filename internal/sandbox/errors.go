package sandbox

import (
	"fmt"
)

type NotFoundError struct {
	SandboxID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found", e.SandboxID)
}

type ConcurrencyLimitError struct {
	Max int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d sandboxes already running or starting", e.Max)
}
