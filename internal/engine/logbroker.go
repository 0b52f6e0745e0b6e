package engine

import (
	"sync"

	"github.com/seantiz/tremor/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Entries are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans calculation log entries out to live subscribers, per job.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finished) receive a closed channel instead of
// blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogEntry
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives the log entries of a job and an
// unsubscribe function. If the job already finished, the returned channel is
// closed.
func (b *LogBroker) Subscribe(jobID string) (<-chan model.LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan model.LogEntry)}
		b.topics[jobID] = t
	}

	ch := make(chan model.LogEntry, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an entry to all subscribers of the job. Entries are dropped
// for subscribers whose buffers are full.
func (b *LogBroker) Publish(jobID string, e model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close signals that the job will log no more. Subscriber channels are
// closed and future Subscribe calls return a closed channel.
func (b *LogBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &logTopic{subs: make(map[int]chan model.LogEntry), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
