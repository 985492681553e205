package tracing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsPersonalData(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("owner_id", "usr_1"),
		attribute.String("email", "a@example.com"),
		attribute.String("signature", "t=1,v1=abc"),
	)

	assert.Equal(t, []attribute.KeyValue{attribute.String("owner_id", "usr_1")}, attrs)
}

func TestSafeErrorKeepsPrefixOnly(t *testing.T) {
	err := fmt.Errorf("provider_error: lookup a@example.com: %w", errors.New("timeout"))
	assert.EqualError(t, SafeError(err), "provider_error")
	assert.Nil(t, SafeError(nil))
}
