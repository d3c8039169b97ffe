// Package memory provides guest memory for the tracker: a host backed block,
// a guest page table over it, and a manager tying both to write tracking.
package memory

import "errors"

var (
	// ErrAccessViolation is returned when an access faults and the tracking
	// action does not handle it.
	ErrAccessViolation = errors.New("memory: access violation")

	// ErrUnsupported is returned where protection based tracking is not
	// available on the host.
	ErrUnsupported = errors.New("memory: not supported on this platform")

	// ErrOutOfRange is returned for accesses outside the backing block.
	ErrOutOfRange = errors.New("memory: access out of range")

	// ErrUnmapped is returned for guest accesses to unmapped pages.
	ErrUnmapped = errors.New("memory: address not mapped")
)

// maxFaultRetries bounds how often one access is retried after its fault was
// handled. Protection is only tightened by queries, so a handled fault leaves
// the page writable unless a concurrent query re-arms it.
const maxFaultRetries = 16
