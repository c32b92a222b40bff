package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

func testConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	b := New(testConfig("test-value"), logger.Discard())

	v, err := Call(b, func() (string, error) { return "session", nil })
	require.NoError(t, err)
	assert.Equal(t, "session", v)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestCall_TripsOnInfrastructureFailures(t *testing.T) {
	b := New(testConfig("test-trip"), logger.Discard())
	boom := errors.New("dial tcp: connection refused")

	for i := 0; i < 3; i++ {
		err := Do(b, func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	err := Do(b, func() error { called = true; return nil })
	assert.False(t, called, "open breaker must not call the store")
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCall_DomainErrorsDoNotTrip(t *testing.T) {
	b := New(testConfig("test-domain"), logger.Discard())

	for i := 0; i < 10; i++ {
		err := Do(b, func() error { return apperrors.NotFound("session", fmt.Sprint(i)) })
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	}
	for i := 0; i < 10; i++ {
		_ = Do(b, func() error { return context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestCall_HalfOpenRecovers(t *testing.T) {
	b := New(testConfig("test-recover"), logger.Discard())
	for i := 0; i < 3; i++ {
		_ = Do(b, func() error { return errors.New("timeout") })
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, Do(b, func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestIsRejected(t *testing.T) {
	assert.True(t, IsRejected(gobreaker.ErrTooManyRequests))
	assert.False(t, IsRejected(errors.New("other")))
	assert.False(t, IsRejected(nil))
}
