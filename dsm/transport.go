package dsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagedsm/pagedsm/coord"
)

// inbound receives decoded coherence messages. PageTable implements it.
type inbound interface {
	OnRemoteInvalidate(i int, version uint64, from NodeID)
	OnRemoteFetchRequest(i int, requester NodeID)
	OnRemoteFetchResponse(i int, version uint64, payload []byte, from NodeID)
}

const receiveBackoff = 100 * time.Millisecond

// Transport carries coherence messages for one region over a single shared
// pub/sub channel. Point-to-point sends are broadcasts tagged with a target
// that every other node ignores.
type Transport struct {
	self    NodeID
	channel string
	client  coord.Client
	log     *zap.Logger

	mu     sync.Mutex
	sub    coord.Subscription
	cancel context.CancelFunc
	group  *errgroup.Group

	received     atomic.Uint64
	decodeErrors atomic.Uint64
}

func NewTransport(self NodeID, channel string, client coord.Client, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		self:    self,
		channel: channel,
		client:  client,
		log:     log.Named("transport").With(zap.String("channel", channel)),
	}
}

// Start subscribes to the channel and dispatches inbound messages to h on a
// dedicated goroutine until Close.
func (t *Transport) Start(ctx context.Context, h inbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return errors.New("transport already started")
	}
	sub, err := t.client.Subscribe(ctx, t.channel)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w: %w", t.channel, ErrCoordinationUnavailable, err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		return t.listen(gctx, sub, h)
	})
	t.sub, t.cancel, t.group = sub, cancel, g
	t.log.Info("listening")
	return nil
}

func (t *Transport) listen(ctx context.Context, sub coord.Subscription, h inbound) error {
	for {
		raw, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, coord.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			t.log.Warn("receive failed", zap.Error(err))
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		t.Dispatch(raw, h)
	}
}

// Dispatch decodes one wire message and hands it to h. Malformed messages,
// this node's own messages and messages addressed to other nodes are
// dropped.
func (t *Transport) Dispatch(raw []byte, h inbound) {
	t.received.Add(1)
	m, err := Decode(raw)
	if err != nil {
		t.decodeErrors.Add(1)
		t.log.Warn("dropping message", zap.Int("len", len(raw)), zap.Error(err))
		return
	}
	if m.Sender == t.self {
		return
	}
	if m.Target != "" && m.Target != t.self {
		return
	}
	i := int(m.Page)
	switch m.Kind {
	case KindInvalidate:
		h.OnRemoteInvalidate(i, m.Version, m.Sender)
	case KindFetchRequest:
		h.OnRemoteFetchRequest(i, m.Sender)
	case KindFetchResponse:
		h.OnRemoteFetchResponse(i, m.Version, m.Payload, m.Sender)
	}
}

func (t *Transport) Broadcast(ctx context.Context, m Message) error {
	m.Sender = t.self
	m.Target = ""
	return t.publish(ctx, m)
}

func (t *Transport) SendTo(ctx context.Context, node NodeID, m Message) error {
	m.Sender = t.self
	m.Target = node
	return t.publish(ctx, m)
}

func (t *Transport) publish(ctx context.Context, m Message) error {
	raw, err := Encode(m)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel, raw)
}

// Received is the number of raw messages seen, including dropped ones.
func (t *Transport) Received() uint64 {
	return t.received.Load()
}

func (t *Transport) DecodeErrors() uint64 {
	return t.decodeErrors.Load()
}

// Close stops the listener and waits for it to return.
func (t *Transport) Close() error {
	t.mu.Lock()
	sub, cancel, g := t.sub, t.cancel, t.group
	t.sub, t.cancel, t.group = nil, nil, nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	cancel()
	err := sub.Close()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	t.log.Info("stopped")
	return err
}
