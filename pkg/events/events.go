package events

import (
	"sync"
	"time"
)

// Type identifies what happened to a container.
type Type string

const (
	ContainerCreated    Type = "container.created"
	ContainerStarted    Type = "container.started"
	ContainerPaused     Type = "container.paused"
	ContainerResumed    Type = "container.resumed"
	ContainerStopping   Type = "container.stopping"
	ContainerStopped    Type = "container.stopped"
	ContainerFailed     Type = "container.failed"
	ContainerRestarting Type = "container.restarting"
	ContainerRemoved    Type = "container.removed"
	HealthStarting      Type = "health.starting"
	HealthHealthy       Type = "health.healthy"
	HealthUnhealthy     Type = "health.unhealthy"
	ImageImported       Type = "image.imported"
)

// Event is a lifecycle or health transition emitted by the supervisor or
// health monitor. The sink's transport is out of core scope; the broker is
// the in-process seam.
type Event struct {
	Type        Type
	ContainerID string
	Reason      string
	Message     string
	Timestamp   time.Time
}

// Broker fans events out to subscribers. Publishing never blocks the
// emitting component: slow subscribers drop events once their buffer fills.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}

	eventCh chan Event
	stopCh  chan struct{}
	once    sync.Once
}

// NewBroker creates a broker; Start must be called before events flow.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[chan Event]struct{}),
		eventCh: make(chan Event, 128),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop shuts the broker down. Safe to call more than once.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 32)
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish queues an event for distribution. A zero timestamp is filled in.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
