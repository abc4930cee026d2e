package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(50))
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{Base: time.Second, MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, Policy{}.Exhausted(100))
}
