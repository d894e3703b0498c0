package queue

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty         = errors.New("no tasks ready")
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalidRecord = errors.New("invalid task record")
)

// UnknownQueueError is returned when a queue id was never registered.
type UnknownQueueError struct {
	QueueID string
}

func (e *UnknownQueueError) Error() string {
	return fmt.Sprintf("unknown queue %q", e.QueueID)
}

// TaskInUseError is returned when deleting a non-terminal task without force.
type TaskInUseError struct {
	ID     string
	Status string
}

func (e *TaskInUseError) Error() string {
	return fmt.Sprintf("task %s is %s", e.ID, e.Status)
}
