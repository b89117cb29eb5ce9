package raft

import (
	"fmt"
	"sync"
)

const DefaultMemoryInboxSize = 1024

// MemoryNetwork connects endpoints living in the same process. Each
// endpoint has a buffered inbox drained by its own goroutine, so sending
// never waits for the recipient. Endpoints can be split into partitions
// which cannot communicate with each other.
type MemoryNetwork struct {
	InboxSize int

	transports map[EndpointId]*MemoryTransport
	partitions map[EndpointId]int
	nextGroup  int

	mu sync.RWMutex
}

type MemoryTransport struct {
	Id EndpointId

	network  *MemoryNetwork
	receiver Receiver

	inbox    chan Message
	stopChan chan struct{}
	running  bool
	wg       sync.WaitGroup

	mu sync.RWMutex
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		InboxSize: DefaultMemoryInboxSize,

		transports: make(map[EndpointId]*MemoryTransport),
		partitions: make(map[EndpointId]int),
	}
}

// Transport returns the transport of an endpoint, creating it if it does
// not exist yet.
func (n *MemoryNetwork) Transport(id EndpointId) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, found := n.transports[id]; found {
		return t
	}

	t := &MemoryTransport{
		Id:      id,
		network: n,
	}

	n.transports[id] = t

	return t
}

// Partition moves a set of endpoints to a new partition. Endpoints in
// different partitions cannot exchange messages.
func (n *MemoryNetwork) Partition(ids ...EndpointId) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextGroup++

	for _, id := range ids {
		n.partitions[id] = n.nextGroup
	}
}

// Heal merges all partitions back.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	n.partitions = make(map[EndpointId]int)
	n.mu.Unlock()
}

func (n *MemoryNetwork) Connected(a, b EndpointId) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.partitions[a] == n.partitions[b]
}

func (n *MemoryNetwork) route(msg Message) error {
	n.mu.RLock()
	recipient, found := n.transports[msg.DestinationId]
	connected := n.partitions[msg.SourceId] == n.partitions[msg.DestinationId]
	n.mu.RUnlock()

	if !found {
		return NewConnectivityError(msg.DestinationId, "unknown endpoint")
	}

	if !connected {
		return NewConnectivityError(msg.DestinationId, "network partition")
	}

	return recipient.enqueue(msg)
}

func (t *MemoryTransport) Start(receiver Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("transport already running")
	}

	size := t.network.InboxSize
	if size <= 0 {
		size = DefaultMemoryInboxSize
	}

	t.receiver = receiver
	t.inbox = make(chan Message, size)
	t.stopChan = make(chan struct{})
	t.running = true

	t.wg.Add(1)
	go t.deliver(t.inbox, t.stopChan)

	return nil
}

func (t *MemoryTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}

	t.running = false
	close(t.stopChan)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *MemoryTransport) Send(msg Message) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()

	if !running {
		return NewConnectivityError(msg.DestinationId, "transport stopped")
	}

	msg.SourceId = t.Id

	return t.network.route(msg)
}

func (t *MemoryTransport) enqueue(msg Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.running {
		return NewConnectivityError(t.Id, "endpoint stopped")
	}

	select {
	case t.inbox <- msg:
		return nil
	default:
		return NewConnectivityError(t.Id, "inbox full")
	}
}

func (t *MemoryTransport) deliver(inbox <-chan Message, stopChan <-chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case <-stopChan:
			return

		case msg := <-inbox:
			t.receiver.ReceiveMessage(msg)
		}
	}
}
