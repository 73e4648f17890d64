package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fireLog struct {
	kinds []Kind
	keys  []uint64
}

func (l *fireLog) handler(kind Kind) func(uint64) {
	return func(key uint64) {
		l.kinds = append(l.kinds, kind)
		l.keys = append(l.keys, key)
	}
}

func newTestWheel(l *fireLog) *Wheel {
	return NewWheel(Handlers{
		NeighborRetry:  l.handler(NeighborRetry),
		NeighborFresh:  l.handler(NeighborFresh),
		TCPRetransmit:  l.handler(TCPRetransmit),
		TCPTimeWait:    l.handler(TCPTimeWait),
		SocketDeadline: l.handler(SocketDeadline),
	})
}

func TestScheduleFiresOnceAtDeadline(t *testing.T) {
	var log fireLog
	w := newTestWheel(&log)

	w.Schedule(5, NeighborRetry, 42)

	for i := 0; i < 4; i++ {
		w.Tick()
	}
	assert.Empty(t, log.keys, "fired before deadline")

	w.Tick()
	require.Len(t, log.keys, 1)
	assert.Equal(t, uint64(42), log.keys[0])
	assert.Equal(t, NeighborRetry, log.kinds[0])

	// Never fires again, including a full lap later
	for i := 0; i < 2*wheelSlots; i++ {
		w.Tick()
	}
	assert.Len(t, log.keys, 1)
}

func TestZeroDelayFiresNextTick(t *testing.T) {
	var log fireLog
	w := newTestWheel(&log)

	w.Schedule(0, SocketDeadline, 7)
	w.Tick()
	require.Len(t, log.keys, 1)
	assert.Equal(t, uint64(7), log.keys[0])
}

func TestCancelPreventsFiring(t *testing.T) {
	var log fireLog
	w := newTestWheel(&log)

	tok := w.Schedule(3, TCPRetransmit, 9)
	keep := w.Schedule(3, TCPRetransmit, 10)
	w.Cancel(tok)

	for i := 0; i < 4; i++ {
		w.Tick()
	}
	require.Len(t, log.keys, 1)
	assert.Equal(t, uint64(10), log.keys[0])

	// Cancelling a fired token is a no-op
	w.Cancel(keep)
	w.Cancel(Token{})
}

func TestLongDelaySurvivesWheelLaps(t *testing.T) {
	var log fireLog
	w := newTestWheel(&log)

	// Same slot as a short timer, two laps out
	w.Schedule(2*wheelSlots+4, NeighborFresh, 1)
	w.Schedule(4, NeighborFresh, 2)

	for i := 0; i < wheelSlots; i++ {
		w.Tick()
	}
	require.Len(t, log.keys, 1)
	assert.Equal(t, uint64(2), log.keys[0])

	for i := 0; i < 2*wheelSlots; i++ {
		w.Tick()
	}
	require.Len(t, log.keys, 2)
	assert.Equal(t, uint64(1), log.keys[1])
}

func TestPerTickFireCap(t *testing.T) {
	var log fireLog
	w := newTestWheel(&log)

	total := maxFiresPerTick + 10
	for i := 0; i < total; i++ {
		w.Schedule(1, TCPTimeWait, uint64(i))
	}

	w.Tick()
	assert.Len(t, log.keys, maxFiresPerTick)

	// Excess defers to the next tick rather than being dropped
	w.Tick()
	assert.Len(t, log.keys, total)
}

func TestDispatchByKind(t *testing.T) {
	var log fireLog
	w := newTestWheel(&log)

	w.Schedule(1, NeighborRetry, 1)
	w.Schedule(1, NeighborFresh, 2)
	w.Schedule(1, TCPRetransmit, 3)
	w.Schedule(1, TCPTimeWait, 4)
	w.Schedule(1, SocketDeadline, 5)

	w.Tick()
	require.Len(t, log.kinds, 5)
	assert.ElementsMatch(t, []Kind{NeighborRetry, NeighborFresh, TCPRetransmit, TCPTimeWait, SocketDeadline}, log.kinds)
}

func TestHandlerMaySchedule(t *testing.T) {
	fired := 0
	var w *Wheel
	w = NewWheel(Handlers{
		TCPRetransmit: func(key uint64) {
			fired++
			if fired < 3 {
				w.Schedule(1, TCPRetransmit, key)
			}
		},
	})

	w.Schedule(1, TCPRetransmit, 1)
	for i := 0; i < 5; i++ {
		w.Tick()
	}
	assert.Equal(t, 3, fired)
}
