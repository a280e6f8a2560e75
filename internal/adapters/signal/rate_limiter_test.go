package signal

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	clk := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, 10*time.Second, clk)

	assert.True(t, rl.Allow("r1-host"))
	clk.Advance(4 * time.Second)
	assert.True(t, rl.Allow("r1-host"))
	assert.False(t, rl.Allow("r1-host"))
	assert.True(t, rl.Allow("r1-guest"), "limits are per identity")

	clk.Advance(7 * time.Second)
	assert.True(t, rl.Allow("r1-host"), "first attempt left the window")
	assert.False(t, rl.Allow("r1-host"))
}
