package playto

import "sync"

type commandKind int

const (
	cmdSetVolume commandKind = iota
	cmdMute
	cmdUnmute
	cmdToggleMute
	cmdPlay
	cmdPause
	cmdStop
	cmdSeek
	cmdQueue
	cmdQueueNext
)

func (k commandKind) String() string {
	switch k {
	case cmdSetVolume:
		return "SetVolume"
	case cmdMute:
		return "Mute"
	case cmdUnmute:
		return "Unmute"
	case cmdToggleMute:
		return "ToggleMute"
	case cmdPlay:
		return "Play"
	case cmdPause:
		return "Pause"
	case cmdStop:
		return "Stop"
	case cmdSeek:
		return "Seek"
	case cmdQueue:
		return "Queue"
	case cmdQueueNext:
		return "QueueNext"
	}
	return "Unknown"
}

type command struct {
	kind   commandKind
	volume int
	ticks  int64
	media  *MediaData
}

// commandQueue is the single serialization point for outbound device
// commands. Enqueue deduplicates by kind so rapid repeats (volume slider
// spam) collapse to the latest value, and two ToggleMute enqueues cancel
// each other out.
type commandQueue struct {
	mu      sync.Mutex
	entries []*command
	wake    chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{wake: make(chan struct{}, 1)}
}

func (q *commandQueue) enqueue(cmd *command) {
	q.mu.Lock()
	if cmd.kind == cmdToggleMute {
		if q.removeKind(cmdToggleMute) {
			q.mu.Unlock()
			return
		}
	} else {
		q.removeKind(cmd.kind)
	}
	q.entries = append(q.entries, cmd)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// removeKind drops the first pending entry of the given kind. Caller holds
// the lock.
func (q *commandQueue) removeKind(kind commandKind) bool {
	for i, entry := range q.entries {
		if entry.kind == kind {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *commandQueue) pop() *command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	cmd := q.entries[0]
	q.entries = q.entries[1:]
	return cmd
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *commandQueue) drain() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}
