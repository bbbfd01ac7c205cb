package users

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttempts_SweepKeepsLockedKeys(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAttempts(60, 1)
	a.now = func() time.Time { return now }

	require.True(t, a.allow("victim"))
	require.False(t, a.allow("victim"))

	for i := range minSweepMark {
		a.allow(fmt.Sprintf("junk%d", i))
	}
	assert.False(t, a.allow("victim"), "a sweep must not reset a lockout")
	assert.Equal(t, minSweepMark+1, a.tracked())
	assert.Equal(t, 2*minSweepMark, a.sweepAt)

	// One token per second: after a minute every limiter is idle again.
	now = now.Add(time.Minute)
	a.sweep(now)
	assert.Zero(t, a.tracked())
	assert.Equal(t, minSweepMark, a.sweepAt)
	assert.True(t, a.allow("victim"))
}

func TestEmailTag(t *testing.T) {
	tag := emailTag("ada@example.com")
	assert.Len(t, tag, 12)
	assert.Equal(t, tag, emailTag("ada@example.com"))
	assert.NotEqual(t, tag, emailTag("bob@example.com"))
	assert.NotContains(t, tag, "ada")
}
