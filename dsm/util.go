package dsm

import (
	"fmt"
	"syscall"
)

type Err string

func (e Err) Error() string {
	return string(e)
}

const (
	ErrAllocationConflict      Err = "region already allocated in this process"
	ErrAlreadyAllocated        Err = "allocate called twice"
	ErrNotAllocated            Err = "region not allocated"
	ErrCoordinationUnavailable Err = "coordination service unavailable"
	ErrHandlerInstall          Err = "could not install fault handler"
	ErrFetchTimeout            Err = "page fetch timed out"
	ErrProtocolDecode          Err = "malformed coherence message"
	ErrInvalidSize             Err = "invalid region size"
	ErrPageSizeMismatch        Err = "page size differs from region metadata"
	ErrOutOfRange              Err = "offset outside region"
)

var PageSize = syscall.Getpagesize()

// NodeID tags requests and owner hints. It carries no membership meaning.
type NodeID string

type PageState int

const (
	Invalid PageState = iota
	SharedReadOnly
	ExclusiveWritable
)

func (s PageState) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case SharedReadOnly:
		return "shared"
	case ExclusiveWritable:
		return "exclusive"
	}
	return fmt.Sprintf("PageState(%d)", int(s))
}

// Protection is the access permission on a page of the mapping.
type Protection int

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "read"
	case ProtReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("Protection(%d)", int(p))
}

// protectionFor is the mapping permission that matches a coherence state.
func protectionFor(s PageState) Protection {
	switch s {
	case SharedReadOnly:
		return ProtRead
	case ExclusiveWritable:
		return ProtReadWrite
	}
	return ProtNone
}

type AccessKind int

const (
	Read AccessKind = iota
	Write
)

func (k AccessKind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

func roundUp(n uint64, to int) uint64 {
	p := uint64(to)
	return (n + p - 1) / p * p
}
