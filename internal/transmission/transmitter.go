package transmission

import "github.com/jkaberg/socest/internal/estimator"

// Transmitter delivers the outcome of an invocation to a consumer
type Transmitter interface {
	Transmit(res estimator.Result) error
}
