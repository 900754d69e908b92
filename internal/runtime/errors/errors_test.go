package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "outboxflow: service is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "outboxflow: handler function is required"},
		{"ErrTopicRequired", ErrTopicRequired, "outboxflow: topic is required"},
		{"ErrTransactionRequired", ErrTransactionRequired, "outboxflow: outbox submit requires an open transaction"},
		{"ErrCycleInProgress", ErrCycleInProgress, "outboxflow: relay cycle already in progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	inner := errors.New("boom")

	tests := []struct {
		name string
		err  error
	}{
		{"encoding", &EncodingError{Schema: "com.acme.Widget", Err: inner}},
		{"decoding", &DecodingError{Schema: "com.acme.Widget", Err: inner}},
		{"delivery", &DeliveryError{Topic: "widgets", Count: 2, Err: inner}},
		{"handler", &HandlerError{Handler: "widgets", Topic: "widgets", Err: inner}},
		{"config", ConfigValidationError{Err: inner}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, inner) {
				t.Fatalf("expected %v to wrap inner error", tt.err)
			}
		})
	}
}

func TestNewConfigValidationError(t *testing.T) {
	if err := NewConfigValidationError(nil); err != nil {
		t.Fatalf("NewConfigValidationError(nil) = %v, want nil", err)
	}
	err := NewConfigValidationError(errors.New("bad port"))
	if got, want := err.Error(), "outboxflow: invalid configuration: bad port"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{&DecodingError{Err: errors.New("x")}, KindDecode},
		{fmt.Errorf("wrapped: %w", &EncodingError{Err: errors.New("x")}), KindEncode},
		{&DeliveryError{Err: errors.New("x")}, KindDelivery},
		{&HandlerError{Err: errors.New("x")}, KindHandler},
		{errors.New("plain"), KindOther},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
