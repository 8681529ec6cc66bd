// Package walog specifies, as an interface, the contract this module
// depends on from the write-ahead log. The WAL's on-disk segment format and
// fsync durability are explicitly out of scope (spec.md §1).
package walog

import "github.com/coredb/tablet/pkg/consensus"

// MaxIdxToSegmentSizeMap maps a maximum retained index to the cumulative
// size, in bytes, of the segments that index would let the WAL garbage
// collect.
type MaxIdxToSegmentSizeMap map[int64]int64

// Log is the contract TabletPeer depends on from the write-ahead log.
type Log interface {
	// GetLatestEntryOpId returns the OpId of the most recently appended
	// entry, or the zero OpId if nothing has ever been written.
	GetLatestEntryOpId() consensus.OpId
	// GC removes segments entirely below minIndex and reports how many were
	// removed.
	GC(minIndex int64) (removed int, err error)
	// GetMaxIndexesToSegmentSizeMap reports, for diagnostic purposes, how
	// much space each candidate GC index would reclaim at or above
	// minIndex.
	GetMaxIndexesToSegmentSizeMap(minIndex int64) MaxIdxToSegmentSizeMap
	// GetGCableDataSize reports the total bytes that GC(minIndex) would
	// reclaim.
	GetGCableDataSize(minIndex int64) int64
	// OnDiskSize reports the WAL's current on-disk footprint.
	OnDiskSize() uint64
	// Close flushes and closes the log. Must only be called once all
	// operations that might still touch it have drained.
	Close() error
}
