// Package feedback implements the endpoints a job receives its result on:
// a temporary broker queue or a TCP listener.
package feedback

import (
	"errors"

	"github.com/nemanja-m/jobwire/internal/loop"
)

var ErrNoResult = errors.New("feedback closed before a result arrived")

// Owner is told about the outcome of a feedback endpoint. Both callbacks run
// on the loop goroutine and at most one of them is called, once.
type Owner interface {
	OnReceived(f Feedback, body []byte)
	OnError(f Feedback, message string)
}

type Feedback interface {
	// Address is what the cluster needs to reach the endpoint.
	Address() string
	// Handler owns the descriptors the endpoint is driven by.
	Handler() loop.Handler
	// Wait steps the loop until the endpoint delivered or failed.
	Wait() error
	Ready() bool
	Close() error
}
