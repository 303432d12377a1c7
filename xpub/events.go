package xpub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrEventServerShuttingDown is returned when subscribing to or notifying a
// stopped event server.
var ErrEventServerShuttingDown = errors.New("sync event server shutting " +
	"down")

// SyncState is the state a scope transitions to.
type SyncState uint8

const (
	// StateSyncing is emitted when a scope starts syncing.
	StateSyncing SyncState = iota

	// StateSynced is emitted when a scope finished syncing.
	StateSynced

	// StateSyncFailed is emitted when a scope sync returned an error.
	StateSyncFailed
)

// String returns the state name.
func (s SyncState) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateSyncFailed:
		return "sync-failed"
	default:
		return fmt.Sprintf("SyncState(%d)", uint8(s))
	}
}

// SyncEvent reports a state transition of a scope.
type SyncEvent struct {
	Scope Scope
	State SyncState

	// Err is set for StateSyncFailed.
	Err error
}

// EventClient receives the sync events of an Xpub.
type EventClient struct {
	cancel func()

	queue  *queue.ConcurrentQueue
	events chan SyncEvent
	quit   chan struct{}
}

// Updates returns the channel delivering events in emission order.
func (c *EventClient) Updates() <-chan SyncEvent {
	return c.events
}

// Quit is closed when the server stops delivering events to this client.
func (c *EventClient) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription.
func (c *EventClient) Cancel() {
	c.cancel()
}

// forward moves events from the unbounded queue to the typed channel.
func (c *EventClient) forward() {
	for {
		select {
		case item := <-c.queue.ChanOut():
			select {
			case c.events <- item.(SyncEvent):
			case <-c.quit:
				return
			}

		case <-c.quit:
			return
		}
	}
}

// eventClientUpdate registers or cancels a client.
type eventClientUpdate struct {
	cancel   bool
	clientID uint64
	client   *EventClient
}

// eventServer fans out sync events to every subscribed client. Each client
// has its own unbounded queue so a slow reader never blocks a sync.
type eventServer struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*EventClient
	clientUpdates chan *eventClientUpdate
	updates       chan SyncEvent

	quit chan struct{}
	wg   sync.WaitGroup
}

// newEventServer returns a new, not yet started, event server.
func newEventServer() *eventServer {
	return &eventServer{
		clients:       make(map[uint64]*EventClient),
		clientUpdates: make(chan *eventClientUpdate),
		updates:       make(chan SyncEvent),
		quit:          make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (s *eventServer) Start() {
	if s.started.Swap(true) {
		return
	}

	s.wg.Add(1)
	go s.dispatch()
}

// Stop stops the server and every client.
func (s *eventServer) Stop() {
	if s.stopped.Swap(true) {
		return
	}

	close(s.quit)
	s.wg.Wait()
}

// Subscribe returns a client receiving every event sent after this call.
func (s *eventServer) Subscribe() (*EventClient, error) {
	if !s.started.Load() || s.stopped.Load() {
		return nil, ErrEventServerShuttingDown
	}

	clientID := s.clientCounter.Add(1)

	client := &EventClient{
		queue:  queue.NewConcurrentQueue(20),
		events: make(chan SyncEvent),
		quit:   make(chan struct{}),
	}
	client.cancel = func() {
		select {
		case s.clientUpdates <- &eventClientUpdate{
			cancel:   true,
			clientID: clientID,
		}:
		case <-s.quit:
		}
	}

	select {
	case s.clientUpdates <- &eventClientUpdate{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrEventServerShuttingDown
	}

	return client, nil
}

// send hands event to the dispatcher. It is a no-op once the server is
// stopped or if it was never started.
func (s *eventServer) send(event SyncEvent) {
	if !s.started.Load() {
		return
	}

	select {
	case s.updates <- event:
	case <-s.quit:
	}
}

// dispatch registers clients and forwards events to them.
//
// NOTE: MUST be run as a goroutine.
func (s *eventServer) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.queue.Stop()
					close(client.quit)
					delete(s.clients, update.clientID)
				}

				continue
			}

			update.client.queue.Start()
			go update.client.forward()
			s.clients[update.clientID] = update.client

		case event := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.queue.ChanIn() <- event:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.queue.Stop()
				close(client.quit)
			}

			return
		}
	}
}
