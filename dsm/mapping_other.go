//go:build !unix

package dsm

import "errors"

func newMapping(size uint64, pageSize int) (Mapping, error) {
	return nil, errors.New("dsm: memory protection is not supported on this platform")
}
