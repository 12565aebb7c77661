package dsm

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/pagedsm/pagedsm/coord"
)

const (
	fieldSize     = "size"
	fieldPageSize = "page_size"
	fieldCreator  = "creator"
)

// RegionInfo is the metadata every node of a region agrees on.
type RegionInfo struct {
	ID          string
	Size        uint64
	PageSize    int
	Creator     bool // this node is the sizing authority
	CreatorNode NodeID
}

// Registry resolves region identifiers through the coordination service.
// The first node to register an identifier fixes its size; everyone after
// adopts it.
type Registry struct {
	client   coord.Client
	self     NodeID
	pageSize int
	log      *zap.Logger

	mu      sync.Mutex
	claimed map[string]bool
}

func NewRegistry(client coord.Client, self NodeID, pageSize int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		client:   client,
		self:     self,
		pageSize: pageSize,
		log:      log.Named("registry"),
		claimed:  make(map[string]bool),
	}
}

// RegisterOrJoin returns the size of region id, registering requested
// (rounded up to whole pages) if nobody has yet. It may be called once per
// region on a registry.
func (r *Registry) RegisterOrJoin(ctx context.Context, id string, requested uint64) (RegionInfo, error) {
	r.mu.Lock()
	if r.claimed[id] {
		r.mu.Unlock()
		return RegionInfo{}, fmt.Errorf("region %q: %w", id, ErrAllocationConflict)
	}
	r.claimed[id] = true
	r.mu.Unlock()

	info, err := r.registerOrJoin(ctx, id, requested)
	if err != nil {
		r.forget(id)
		return RegionInfo{}, err
	}
	return info, nil
}

func (r *Registry) registerOrJoin(ctx context.Context, id string, requested uint64) (RegionInfo, error) {
	if requested > 0 {
		size := roundUp(requested, r.pageSize)
		created, err := r.client.CreateIfAbsent(ctx, id, map[string]string{
			fieldSize:     strconv.FormatUint(size, 10),
			fieldPageSize: strconv.Itoa(r.pageSize),
			fieldCreator:  string(r.self),
		})
		if err != nil {
			return RegionInfo{}, fmt.Errorf("register %q: %w: %w", id, ErrCoordinationUnavailable, err)
		}
		if created {
			r.log.Info("registered region", zap.String("region", id), zap.Uint64("size", size))
			return RegionInfo{ID: id, Size: size, PageSize: r.pageSize, Creator: true, CreatorNode: r.self}, nil
		}
	}

	info, found, err := r.Lookup(ctx, id)
	if err != nil {
		return RegionInfo{}, err
	}
	if !found || info.Size == 0 {
		return RegionInfo{}, fmt.Errorf("region %q is not registered and no size was requested: %w", id, ErrInvalidSize)
	}
	if info.PageSize != 0 && info.PageSize != r.pageSize {
		return RegionInfo{}, fmt.Errorf("region %q uses %d byte pages, local pages are %d: %w", id, info.PageSize, r.pageSize, ErrPageSizeMismatch)
	}
	if requested > 0 && roundUp(requested, r.pageSize) != info.Size {
		r.log.Info("adopting registered size", zap.String("region", id), zap.Uint64("requested", requested), zap.Uint64("size", info.Size))
	}
	r.log.Info("joined region", zap.String("region", id), zap.Uint64("size", info.Size), zap.String("creator", string(info.CreatorNode)))
	return info, nil
}

// Lookup reads the metadata of region id without joining it.
func (r *Registry) Lookup(ctx context.Context, id string) (RegionInfo, bool, error) {
	fields, err := r.client.Get(ctx, id)
	if err != nil {
		return RegionInfo{}, false, fmt.Errorf("lookup %q: %w: %w", id, ErrCoordinationUnavailable, err)
	}
	if len(fields) == 0 {
		return RegionInfo{}, false, nil
	}
	size, err := strconv.ParseUint(fields[fieldSize], 10, 64)
	if err != nil {
		return RegionInfo{}, false, fmt.Errorf("region %q has corrupt size %q: %w", id, fields[fieldSize], err)
	}
	info := RegionInfo{ID: id, Size: size, CreatorNode: NodeID(fields[fieldCreator])}
	info.Creator = info.CreatorNode != "" && info.CreatorNode == r.self
	if ps, ok := fields[fieldPageSize]; ok {
		if info.PageSize, err = strconv.Atoi(ps); err != nil {
			return RegionInfo{}, false, fmt.Errorf("region %q has corrupt page size %q: %w", id, ps, err)
		}
	}
	return info, true, nil
}

// Release deletes the metadata of region id and drops the local claim.
// Other nodes still attached are not consulted.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.forget(id)
	if err := r.client.Delete(ctx, id); err != nil {
		return fmt.Errorf("release %q: %w: %w", id, ErrCoordinationUnavailable, err)
	}
	r.log.Info("released region", zap.String("region", id))
	return nil
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, id)
}
