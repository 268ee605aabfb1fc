package train

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimers_TicTocAccumulates(t *testing.T) {
	timers := NewTimers()
	timers.Tic(TimerForwardPass)
	time.Sleep(time.Millisecond)
	timers.Toc(TimerForwardPass)

	assert.Equal(t, 1, timers.Count(TimerForwardPass))
	assert.Greater(t, timers.Total(TimerForwardPass), time.Duration(0))
	assert.Contains(t, timers.Summary(), TimerForwardPass)
}

func TestTimers_UnmatchedTocIgnored(t *testing.T) {
	timers := NewTimers()
	timers.Toc(TimerBackprop)
	assert.Equal(t, 0, timers.Count(TimerBackprop))
}

func TestTimers_NilIsNoOp(t *testing.T) {
	var timers *Timers
	timers.Tic("x")
	timers.Toc("x")
	assert.Equal(t, time.Duration(0), timers.Total("x"))
	assert.Equal(t, "", timers.Summary())
}
