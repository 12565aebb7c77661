package dsm

// Mapping is the local address range backing a region. Page returns the raw
// bytes of one page; touching them is subject to the page's current
// protection.
type Mapping interface {
	Base() uintptr
	Bytes() []byte
	PageCount() int
	Page(i int) []byte
	Protect(i int, p Protection) error
	Close() error
}
