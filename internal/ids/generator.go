package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID generates an identifier for one invocation of a task list.
func NewRunID() string {
	return newIdentifier("run")
}

// NewTaskRunID generates an identifier for one execution of a task.
func NewTaskRunID() string {
	return newIdentifier("taskrun")
}

func newIdentifier(prefix string) string {
	body, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	}
	return fmt.Sprintf("%s-%s", prefix, body.String())
}
