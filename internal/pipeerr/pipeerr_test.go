package pipeerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestClassifyProviderErrors(t *testing.T) {
	cases := []struct {
		op   string
		err  error
		kind Kind
	}{
		{"index", apiErr("ThrottlingException"), KindThrottle},
		{"index", apiErr("ProvisionedThroughputExceededException"), KindThrottle},
		{"index", apiErr("LimitExceededException"), KindThrottle},
		{"index", apiErr("InternalServerError"), KindRetryable},
		{"index", apiErr("ServiceUnavailable"), KindRetryable},
		{"index", apiErr("InvalidImageFormatException"), KindTerminal},
		{"index", apiErr("AccessDeniedException"), KindTerminal},
		{"create", apiErr("ResourceAlreadyExistsException"), KindIdempotentSuccess},
		{"delete", apiErr("ResourceNotFoundException"), KindIdempotentSuccess},
		// Not-found on index (collection vanished) is terminal, not success.
		{"index", apiErr("ResourceNotFoundException"), KindTerminal},
		// Exists on delete is terminal territory too; only the paired op maps.
		{"delete", apiErr("ResourceAlreadyExistsException"), KindTerminal},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%v", tc.op, tc.err), func(t *testing.T) {
			classified := FromAPIError(tc.op, tc.err)
			require.NotNil(t, classified)
			assert.Equal(t, tc.kind, classified.Kind)
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	classified := FromAPIError("index", errors.New("connection reset by peer"))
	require.NotNil(t, classified)
	assert.Equal(t, KindRetryable, classified.Kind)
	assert.Equal(t, "TransportError", classified.Name)
}

func TestKindOfUnwrapsNesting(t *testing.T) {
	inner := Throttle("ThrottlingException", errors.New("429"))
	wrapped := fmt.Errorf("index photo abc: %w", inner)

	assert.Equal(t, KindThrottle, KindOf(wrapped))
	assert.Equal(t, "ThrottlingException", NameOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsThrottle(wrapped))
}

func TestKindOfUnclassifiedDefaultsRetryable(t *testing.T) {
	assert.Equal(t, KindRetryable, KindOf(errors.New("who knows")))
	assert.False(t, IsThrottle(errors.New("who knows")))
}

func TestTerminalIsNotRetryable(t *testing.T) {
	err := Terminal("invalid_magic_bytes", nil)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "invalid_magic_bytes", NameOf(err))
}

func fixedJitter(v float64) func() float64 {
	// rnd value r maps to multiplier 0.8 + 0.4r; r=0.5 gives exactly 1.0.
	return func() float64 { return v }
}

func TestBackoffShape(t *testing.T) {
	b := DefaultBackoff()
	b.rnd = fixedJitter(0.5)

	// Doubles up to the cap.
	assert.Equal(t, 1*time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 256*time.Second, b.Delay(9))
	assert.Equal(t, 300*time.Second, b.Delay(10))
	assert.Equal(t, 300*time.Second, b.Delay(50))

	// Throttle curve sits strictly above the normal curve at attempt 1.
	assert.Greater(t, b.ThrottleDelay(1), b.Delay(1))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := DefaultBackoff()

	for i := 0; i < 200; i++ {
		d := b.Delay(3) // nominal 4s
		assert.GreaterOrEqual(t, d, time.Duration(0.8*4*float64(time.Second)))
		assert.Less(t, d, time.Duration(1.2*4*float64(time.Second)))
	}
}

func TestBackoffDelayForPicksCurve(t *testing.T) {
	b := DefaultBackoff()
	b.rnd = fixedJitter(0.5)

	assert.Equal(t, b.ThrottleDelay(2), b.DelayFor(Throttle("ThrottlingException", nil), 2))
	assert.Equal(t, b.Delay(2), b.DelayFor(Retryable("DatabaseError", nil), 2))
}
