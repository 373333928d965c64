// Package stream fans deployment stage events out to notification
// subscribers. Sink unavailability never fails the pipeline: a subscriber
// that cannot keep up is dropped.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/splax/launchpad/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by deployment ID.
type Hub struct {
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
	once      sync.Once

	clients map[string]map[Subscriber]struct{}
}

type message struct {
	deploymentID string
	payload      []byte
}

type subscription struct {
	deploymentID string
	client       Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deploymentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.deploymentID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.deploymentID)
				}
			}
		}
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	select {
	case h.register <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.stop:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.stop:
	}
}

// Broadcast sends payload to all subscribers of a deployment. Non-blocking:
// if the hub is saturated the payload is dropped rather than stalling the
// caller.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	select {
	case h.broadcast <- message{deploymentID: deploymentID, payload: payload}:
	default:
	}
}

// Stop shuts the hub down and closes every subscriber.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// OnStageEvent implements the progress listener contract by broadcasting
// the event as JSON to the deployment's subscribers.
func (h *Hub) OnStageEvent(_ context.Context, event domain.StageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Broadcast(event.DeploymentID, payload)
	return nil
}
