//go:build !unix

package memory

import "github.com/tinyrange/memtrack/internal/tracking"

// Block is unavailable without POSIX memory protection.
type Block struct{}

var _ tracking.Block = (*Block)(nil)

func NewBlock(size uint64) (*Block, error) {
	return nil, ErrUnsupported
}

func (b *Block) Size() uint64     { return 0 }
func (b *Block) PageSize() uint64 { return 0 }

func (b *Block) Reprotect(address, size uint64, perm tracking.Permission) error {
	return ErrUnsupported
}

func (b *Block) RegisterTrackingAction(action tracking.TrackingAction) {}

func (b *Block) Read(address uint64, p []byte) error  { return ErrUnsupported }
func (b *Block) Write(address uint64, p []byte) error { return ErrUnsupported }

func (b *Block) Close() error { return nil }
