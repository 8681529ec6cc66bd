package consensus

import "fmt"

// UnknownTerm is the sentinel term passed to OperationDriver.Init to select
// follower/replica mode: the op-id is already known (it arrived off the
// wire) rather than being assigned by a new leader round.
const UnknownTerm = int64(-1)

// OpId identifies a single Raft log entry by (term, index).
type OpId struct {
	Term  int64
	Index int64
}

// Invalid is the zero OpId, used as the "not yet assigned" sentinel. Every
// real OpId has a strictly positive Index.
var Invalid = OpId{}

// Valid reports whether this OpId has been assigned.
func (id OpId) Valid() bool {
	return id.Index > 0
}

// Less orders OpIds first by term, then by index.
func (id OpId) Less(other OpId) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// String implements fmt.Stringer.
func (id OpId) String() string {
	if !id.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%d.%d", id.Term, id.Index)
}

// OpIdType selects which of a peer's tracked op-ids GetLastOpId should
// return.
type OpIdType int

const (
	// CommittedOpId is the highest index known to be committed.
	CommittedOpId OpIdType = iota
	// ReceivedOpId is the highest index appended to the local log, whether
	// or not it has committed yet.
	ReceivedOpId
)
