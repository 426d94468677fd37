package xfr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnLoadTransitionsToOK(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	now := time.Now()

	state, deadline := z.OnLoad(now, 10, 3600, 900, 604800)

	assert.Equal(t, StateOK, state)
	assert.True(t, deadline.After(now))
}

func TestRefreshTimerDrivesProbeThenApply(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	now := time.Now()
	z.OnLoad(now, 10, 3600, 900, 604800)

	state, _, intent := z.OnRefreshTimer(now)
	assert.Equal(t, StateRefreshing, state)
	assert.Equal(t, IOProbe, intent)

	state, deadline, intent := z.OnProbeApplied(now, 11, 3600, 900, 604800)
	assert.Equal(t, StateOK, state)
	assert.Equal(t, IOSendNotify, intent)
	assert.True(t, deadline.After(now))
	assert.Equal(t, uint32(11), z.SOADiskSerial)
}

func TestExpiredAfterExpireWindowElapses(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	past := time.Now().Add(-2 * time.Hour)
	z.OnLoad(past, 10, 3600, 900, 3600) // expire=1h, already loaded 2h ago

	z.OnRefreshTimer(time.Now())
	state, _, _ := z.OnProbeFailed(time.Now())
	assert.Equal(t, StateExpired, state)
}

func TestNotifyWithNewerSerialJumpsAndProbes(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53", "192.0.2.2:53"}, 1)
	now := time.Now()
	z.OnLoad(now, 10, 3600, 900, 604800)

	state, _, intent := z.OnNotifyReceived(now, "192.0.2.2:53", 11)
	assert.Equal(t, StateRefreshing, state)
	assert.Equal(t, IOProbe, intent)
	assert.Equal(t, "192.0.2.2:53", z.Masters.Current())
	require.NotNil(t, z.PendingNotifiedSerial)
	assert.Equal(t, uint32(11), *z.PendingNotifiedSerial)
}

func TestNotifyWithStaleSerialIgnored(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	now := time.Now()
	z.OnLoad(now, 10, 3600, 900, 604800)

	state, _, intent := z.OnNotifyReceived(now, "192.0.2.9:53", 10)
	assert.Equal(t, StateOK, state)
	assert.Equal(t, IONone, intent)
	assert.Nil(t, z.PendingNotifiedSerial)
}

func TestNotifyRepeatedForOutstandingRoundCoalesces(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	now := time.Now()
	z.OnLoad(now, 10, 3600, 900, 604800)

	_, _, intent := z.OnNotifyReceived(now, "192.0.2.1:53", 11)
	assert.Equal(t, IOProbe, intent)

	// Same serial from the same master while the first round is still
	// outstanding rides along instead of starting a second probe.
	_, _, intent = z.OnNotifyReceived(now, "192.0.2.1:53", 11)
	assert.Equal(t, IONone, intent)

	// A newer serial still forces a fresh probe.
	_, _, intent = z.OnNotifyReceived(now, "192.0.2.1:53", 12)
	assert.Equal(t, IOProbe, intent)
}

func TestProbeUpToDateClearsPendingNotify(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	now := time.Now()
	z.OnLoad(now, 10, 3600, 900, 604800)
	serial := uint32(10)
	z.PendingNotifiedSerial = &serial

	state, _, intent := z.OnProbeUpToDate(now)
	assert.Equal(t, StateOK, state)
	assert.Equal(t, IONone, intent)
	assert.Nil(t, z.PendingNotifiedSerial)
}

func TestOnProbeFailedSleepsFullRetryAfterExhaustedRounds(t *testing.T) {
	z := NewZone("example.com.", []string{"192.0.2.1:53"}, 1)
	now := time.Now()
	z.OnLoad(now, 10, 3600, 15, 604800)

	for i := 0; i < MaxRounds; i++ {
		z.Masters.Advance()
	}
	require.True(t, z.Masters.ExhaustedRounds())

	_, deadline, intent := z.OnProbeFailed(now)
	assert.Equal(t, IONone, intent)
	assert.True(t, deadline.After(now))
}
