package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/flock/pkg/fl"
)

// roundState tracks one in-flight collection round. The buffer, the closed
// flag and the timer are guarded by mu; exactly one of {quorum reached,
// timer fired, client pool exhausted, abort} closes the round, and every
// later closer observes closed and no-ops.
type roundState struct {
	jobID   string
	round   int
	quorum  int
	started time.Time

	mu       sync.Mutex
	buffer   map[string]fl.Update
	expected int
	timer    *time.Timer
	closed   bool
}

func newRoundState(jobID string, round, quorum, expected int) *roundState {
	return &roundState{
		jobID:    jobID,
		round:    round,
		quorum:   quorum,
		expected: expected,
		started:  time.Now(),
		buffer:   make(map[string]fl.Update),
	}
}

func (rs *roundState) setTimer(t *time.Timer) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		t.Stop()

		return
	}
	rs.timer = t
}

func (rs *roundState) setExpected(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.expected = n
}

// addAndCheck buffers an update and checks quorum in one critical section.
// It returns the snapshot to aggregate when this append closed the round.
// ok is false when the round had already closed.
func (rs *roundState) addAndCheck(update fl.Update) (snapshot []fl.Update, reached, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, false, false
	}

	rs.buffer[update.ClientID] = update
	if len(rs.buffer) >= rs.quorum {
		return rs.closeLocked(), true, true
	}

	return nil, false, true
}

// closeOnTimeout closes the round when the timer fires, returning whatever
// was collected. The loser of the race against quorum no-ops.
func (rs *roundState) closeOnTimeout() ([]fl.Update, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, false
	}

	return rs.closeLocked(), true
}

// markAbsent drops a timed-out client from the expected responders. Once no
// outstanding client remains the round closes early with the partial buffer.
func (rs *roundState) markAbsent(clientID string) ([]fl.Update, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, false
	}
	if _, submitted := rs.buffer[clientID]; submitted {
		return nil, false
	}

	if rs.expected > 0 {
		rs.expected--
	}
	if len(rs.buffer) >= rs.expected {
		return rs.closeLocked(), true
	}

	return nil, false
}

// abort closes the round without aggregation, cancelling the timer.
func (rs *roundState) abort() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return
	}
	rs.closed = true
	if rs.timer != nil {
		rs.timer.Stop()
	}
}

func (rs *roundState) size() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return len(rs.buffer)
}

func (rs *roundState) closeLocked() []fl.Update {
	rs.closed = true
	if rs.timer != nil {
		rs.timer.Stop()
	}

	snapshot := make([]fl.Update, 0, len(rs.buffer))
	for _, u := range rs.buffer {
		snapshot = append(snapshot, u)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].ClientID < snapshot[j].ClientID
	})

	return snapshot
}
