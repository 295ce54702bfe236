package execution

import (
	"sync"

	"github.com/seantiz/crucible/internal/model"
)

// subscriberBufferSize is the channel buffer for each step subscriber.
// Steps are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StepBroker fans out the steps appended to each execution to subscribers.
// It is safe for concurrent use.
//
// A topic lives only while it has subscribers. Callers that must not miss
// the end of an execution subscribe first and then read the stored history:
// a terminal history means the execution finished before they subscribed.
type StepBroker struct {
	mu     sync.Mutex
	topics map[string]*stepTopic
}

type stepTopic struct {
	subs   map[int]chan model.Step
	nextID int
}

// NewStepBroker creates a new step broker.
func NewStepBroker() *StepBroker {
	return &StepBroker{
		topics: make(map[string]*stepTopic),
	}
}

// Subscribe returns a channel that receives the steps of the given execution
// until Close, and an unsubscribe function.
func (b *StepBroker) Subscribe(executionID string) (<-chan model.Step, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &stepTopic{subs: make(map[int]chan model.Step)}
		b.topics[executionID] = t
	}

	id := t.nextID
	t.nextID++
	ch := make(chan model.Step, subscriberBufferSize)
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		// Close may already have replaced or removed the topic.
		if len(t.subs) == 0 && b.topics[executionID] == t {
			delete(b.topics, executionID)
		}
	}
}

// Publish sends a step to all subscribers of the given execution. Steps are
// dropped for subscribers whose buffers are full.
func (b *StepBroker) Publish(executionID string, step model.Step) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- step:
		default:
		}
	}
}

// Close ends the subscriptions of the given execution and forgets it.
func (b *StepBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, executionID)
}

// Topics returns the number of executions that currently have subscribers.
func (b *StepBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
