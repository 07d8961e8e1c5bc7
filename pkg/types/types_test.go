package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRTT(t *testing.T) {
	cases := []struct {
		rtt  time.Duration
		want QualityTier
	}{
		{10 * time.Millisecond, TierExcellent},
		{49 * time.Millisecond, TierExcellent},
		{50 * time.Millisecond, TierGood},
		{99 * time.Millisecond, TierGood},
		{150 * time.Millisecond, TierFair},
		{499 * time.Millisecond, TierPoor},
		{500 * time.Millisecond, TierUnusable},
		{3 * time.Second, TierUnusable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyRTT(c.rtt), c.rtt.String())
	}
}

func TestMessageStatus_JSON(t *testing.T) {
	data, err := json.Marshal(StatusPending)
	require.NoError(t, err)
	assert.Equal(t, `"pending"`, string(data))

	var s MessageStatus
	require.NoError(t, json.Unmarshal([]byte(`"delivered"`), &s))
	assert.Equal(t, StatusDelivered, s)
	assert.True(t, s.Terminal())

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}

func TestError_KindMatching(t *testing.T) {
	queueFull := &Error{Kind: KindCapacity, Detail: "queue full"}
	wrapped := fmt.Errorf("enqueue: %w", queueFull)

	assert.True(t, errors.Is(wrapped, ErrCapacity))
	assert.True(t, errors.Is(wrapped, queueFull))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindCapacity, Detail: "evicted"}))
	assert.Equal(t, KindCapacity, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "queue full", DetailOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := NewError(KindTransport, "send failed", errors.New("broken pipe"))
	assert.Equal(t, "transport: send failed: broken pipe", err.Error())
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("sender", "alice@phone-1"))
	assert.Error(t, ValidateIdentifier("sender", ""))
	assert.Error(t, ValidateIdentifier("sender", "bad id"))
	long := make([]byte, MaxIdentifierLen+1)
	for i := range long {
		long[i] = 'a'
	}
	err := ValidateIdentifier("recipient", string(long))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}
