// Package delivery defines the contract for sending span batches to the
// collector, the OTLP-shaped payload they travel in, and an HTTP transport.
package delivery

import "context"

// State is the outcome of one delivery attempt.
type State int

const (
	// StateSuccess means the collector accepted the payload.
	StateSuccess State = iota
	// StateFailureRetryable means the payload may be accepted later.
	StateFailureRetryable
	// StateFailureDiscard means the payload will never be accepted.
	StateFailureDiscard
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailureRetryable:
		return "failure-retryable"
	default:
		return "failure-discard"
	}
}

// Response is the tagged result of Send. SamplingProbability is set when the
// collector asked the agent to change its sampling probability.
type Response struct {
	State               State
	SamplingProbability *float64
}

// Delivery sends one payload. Implementations report every failure through
// Response.State; Send never returns an error.
type Delivery interface {
	Send(ctx context.Context, endpoint, apiKey string, payload Payload) Response
}

// Func adapts a function to the Delivery interface.
type Func func(ctx context.Context, endpoint, apiKey string, payload Payload) Response

// Send calls f.
func (f Func) Send(ctx context.Context, endpoint, apiKey string, payload Payload) Response {
	return f(ctx, endpoint, apiKey, payload)
}

// Probability returns a pointer to p, for building responses.
func Probability(p float64) *float64 { return &p }

// StateForStatus maps an HTTP status code to a delivery state.
func StateForStatus(code int) State {
	switch {
	case code >= 200 && code < 300:
		return StateSuccess
	case code == 402, code == 407, code == 408, code == 429, code >= 500:
		return StateFailureRetryable
	default:
		return StateFailureDiscard
	}
}
