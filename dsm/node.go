// Package dsm keeps a fixed-size memory region coherent across processes.
//
// Each process maps the region with no access. Guarded loads and stores that
// touch a page without the needed permission fault; the fault is resolved
// by the page table, which fetches or invalidates copies over the
// coordination service, and the access is retried.
//
//	client, _ := coord.NewRedis(ctx, coord.RedisOptions{Addr: "127.0.0.1:6379"}, log)
//	node := dsm.NewNode(client, dsm.WithLogger(log))
//	region := node.NewRegion("r1")
//	base, _ := region.Allocate(ctx, 4096)
//	_ = region.StoreByte(1, 1)
//	defer region.Teardown(ctx)
package dsm

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagedsm/pagedsm/coord"
)

const (
	DefaultFetchTimeout   = 2 * time.Second
	DefaultPublishTimeout = time.Second
	DefaultChannelPrefix  = "dsm:"
)

// Node is one participant. It owns the node id and the registry, and creates
// regions.
type Node struct {
	id       NodeID
	client   coord.Client
	registry *Registry
	log      *zap.Logger

	pageSize       int
	fetchTimeout   time.Duration
	publishTimeout time.Duration
	channelPrefix  string
	fetchOnWrite   bool
	interceptor    *Interceptor
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithNodeID overrides the random node id.
func WithNodeID(id NodeID) Option {
	return func(n *Node) { n.id = id }
}

// WithFetchTimeout bounds how long a read fault waits for a copy.
func WithFetchTimeout(d time.Duration) Option {
	return func(n *Node) { n.fetchTimeout = d }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(n *Node) { n.publishTimeout = d }
}

func WithChannelPrefix(p string) Option {
	return func(n *Node) { n.channelPrefix = p }
}

// WithFetchOnWrite makes a write fault on an invalid page fetch the current
// contents first, so bytes the write does not touch are not lost. A fetch
// that times out is treated as "nobody holds the page".
func WithFetchOnWrite(on bool) Option {
	return func(n *Node) { n.fetchOnWrite = on }
}

func NewNode(client coord.Client, opts ...Option) *Node {
	n := &Node{
		id:             NodeID(uuid.New().String()),
		client:         client,
		log:            zap.NewNop(),
		pageSize:       PageSize,
		fetchTimeout:   DefaultFetchTimeout,
		publishTimeout: DefaultPublishTimeout,
		channelPrefix:  DefaultChannelPrefix,
		interceptor:    DefaultInterceptor(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(zap.String("node", string(n.id)))
	n.registry = NewRegistry(client, n.id, n.pageSize, n.log)
	return n
}

func (n *Node) ID() NodeID {
	return n.id
}

func (n *Node) Registry() *Registry {
	return n.registry
}

// NewRegion returns an unallocated region handle for id.
func (n *Node) NewRegion(id string) *Region {
	return &Region{
		node: n,
		id:   id,
		log:  n.log.Named("region").With(zap.String("region", id)),
	}
}
