package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Hub is an in-process coordination service. Every node of a simulated
// cluster connects to the same Hub; messages published on a channel are
// fanned out to every subscriber of that channel, including the publisher.
type Hub struct {
	mu      sync.Mutex
	keys    map[string]map[string]string
	subs    map[string]map[int]*hubSub
	clients map[int]*hubClient
	nextID  int

	dead      int32 // for testing
	duplicate int32 // deliver every message twice
}

func NewHub() *Hub {
	return &Hub{
		keys:    make(map[string]map[string]string),
		subs:    make(map[string]map[int]*hubSub),
		clients: make(map[int]*hubClient),
	}
}

// Kill makes every operation fail with ErrUnavailable until Revive.
func (h *Hub) Kill() {
	atomic.StoreInt32(&h.dead, 1)
}

func (h *Hub) Revive() {
	atomic.StoreInt32(&h.dead, 0)
}

func (h *Hub) killed() bool {
	z := atomic.LoadInt32(&h.dead)
	return z == 1
}

// SetDuplicate turns on at-least-once redelivery: each published message is
// delivered to every subscriber twice.
func (h *Hub) SetDuplicate(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&h.duplicate, v)
}

// Connect registers a new client with the hub.
func (h *Hub) Connect() Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &hubClient{hub: h, id: h.nextID}
	h.clients[c.id] = c
	return c
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) check() error {
	if h.killed() {
		return fmt.Errorf("%w: hub killed", ErrUnavailable)
	}
	return nil
}

func (h *Hub) publish(channel string, payload []byte) {
	h.mu.Lock()
	targets := make([]*hubSub, 0, len(h.subs[channel]))
	for _, s := range h.subs[channel] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	copies := 1
	if atomic.LoadInt32(&h.duplicate) == 1 {
		copies = 2
	}
	for _, s := range targets {
		for i := 0; i < copies; i++ {
			msg := make([]byte, len(payload))
			copy(msg, payload)
			s.push(msg)
		}
	}
}

func (h *Hub) unsubscribe(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[s.channel], s.id)
	if len(h.subs[s.channel]) == 0 {
		delete(h.subs, s.channel)
	}
}

type hubClient struct {
	hub    *Hub
	id     int
	closed int32
}

func (c *hubClient) check() error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return fmt.Errorf("%w: client closed", ErrUnavailable)
	}
	return c.hub.check()
}

func (c *hubClient) CreateIfAbsent(_ context.Context, key string, fields map[string]string) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.keys[key]; ok {
		return false, nil
	}
	stored := make(map[string]string, len(fields))
	for k, v := range fields {
		stored[k] = v
	}
	h.keys[key] = stored
	return true, nil
}

func (c *hubClient) Get(_ context.Context, key string) (map[string]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.keys[key]))
	for k, v := range h.keys[key] {
		out[k] = v
	}
	return out, nil
}

func (c *hubClient) Delete(_ context.Context, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, key)
	return nil
}

func (c *hubClient) Publish(_ context.Context, channel string, payload []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.hub.publish(channel, payload)
	return nil
}

func (c *hubClient) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &hubSub{
		hub:     h,
		channel: channel,
		id:      h.nextID,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if _, ok := h.subs[channel]; !ok {
		h.subs[channel] = make(map[int]*hubSub)
	}
	h.subs[channel][s.id] = s
	return s, nil
}

func (c *hubClient) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.hub.mu.Lock()
	delete(c.hub.clients, c.id)
	c.hub.mu.Unlock()
	return nil
}

// hubSub is an unbounded mailbox so that publishing never blocks on a slow
// subscriber.
type hubSub struct {
	hub     *Hub
	channel string
	id      int

	mu    sync.Mutex
	queue [][]byte
	ready chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (s *hubSub) push(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *hubSub) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *hubSub) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.unsubscribe(s)
	})
	return nil
}
