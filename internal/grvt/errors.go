package grvt

import (
	"errors"
	"fmt"
)

// BusinessError is a structured error response from the exchange, as opposed
// to a transport failure. Code 1006 (rate limit) and HTTP 429 are the only
// retryable business errors; everything else is terminal for the operation.
type BusinessError struct {
	Code    int    `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("grvt business error code=%d status=%d: %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether the error warrants another transfer attempt.
func (e *BusinessError) Retryable() bool {
	return e.Code == 1006 || e.Status == 429
}

// ErrorKind classifies an error for logging and alerting.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindBusiness   ErrorKind = "business"
	KindValidation ErrorKind = "validation"
)

// ValidationError marks inputs the client refuses to send: missing
// credentials, malformed keys, sizes below the instrument minimum.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Classify buckets err into the error taxonomy.
func Classify(err error) ErrorKind {
	var be *BusinessError
	if errors.As(err, &be) {
		return KindBusiness
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	return KindTransport
}
