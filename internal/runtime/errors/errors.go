package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired     = sterrors.New("outboxflow: service is required")
	ErrHandlerRequired     = sterrors.New("outboxflow: handler function is required")
	ErrHandlerNameRequired = sterrors.New("outboxflow: handler name is required")
	ErrConsumeTopicNeeded  = sterrors.New("outboxflow: consume topic is required")
	ErrPublisherRequired   = sterrors.New("outboxflow: publisher is required")
	ErrTopicRequired       = sterrors.New("outboxflow: topic is required")
	ErrConfigRequired      = sterrors.New("outboxflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("outboxflow: logger is required")
	ErrCodecRequired       = sterrors.New("outboxflow: codec is required")
	ErrStoreRequired       = sterrors.New("outboxflow: outbox store is required")
	ErrTransactionRequired = sterrors.New("outboxflow: outbox submit requires an open transaction")
	ErrCycleInProgress     = sterrors.New("outboxflow: relay cycle already in progress")
	ErrUnknownSchema       = sterrors.New("outboxflow: unknown schema")
	ErrDuplicateHandler    = sterrors.New("outboxflow: handler already registered")
	ErrUnknownHandler      = sterrors.New("outboxflow: handler is not registered")
)

// EncodingError reports a value that does not conform to its schema. It is raised
// before any broker or outbox interaction.
type EncodingError struct {
	Schema string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("outboxflow: encoding %s: %v", e.Schema, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError reports malformed incoming bytes or an unresolvable schema.
type DecodingError struct {
	Schema string
	Err    error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("outboxflow: decoding %s: %v", e.Schema, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// DeliveryError reports a broker submission that failed after the broker
// client's own retry budget was exhausted.
type DeliveryError struct {
	Topic string
	Count int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("outboxflow: delivering %d message(s) to %s: %v", e.Count, e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised by user dispatch logic.
type HandlerError struct {
	Handler string
	Topic   string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("outboxflow: handler %s failed on %s: %v", e.Handler, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ConfigValidationError wraps configuration problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "outboxflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ErrorKind classifies failures for metrics and logs.
type ErrorKind string

const (
	KindNone     ErrorKind = "none"
	KindEncode   ErrorKind = "encode"
	KindDecode   ErrorKind = "decode"
	KindDelivery ErrorKind = "delivery"
	KindHandler  ErrorKind = "handler"
	KindOther    ErrorKind = "other"
)

// Classify maps an error onto its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		decodeErr   *DecodingError
		encodeErr   *EncodingError
		deliveryErr *DeliveryError
		handlerErr  *HandlerError
	)
	switch {
	case sterrors.As(err, &decodeErr):
		return KindDecode
	case sterrors.As(err, &encodeErr):
		return KindEncode
	case sterrors.As(err, &deliveryErr):
		return KindDelivery
	case sterrors.As(err, &handlerErr):
		return KindHandler
	default:
		return KindOther
	}
}
