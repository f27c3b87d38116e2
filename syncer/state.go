package syncer

import (
	"errors"
	"time"

	"github.com/lightninglabs/chainsync/ancestor"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightninglabs/chainsync/nodeclient"
)

// State is the phase a consumer's synchronization is in.
type State uint8

const (
	// StateIdle is the state of a machine that has not been started.
	StateIdle State = iota

	// StateNegotiatingAncestor is the state in which the machine searches
	// for the highest height shared with the remote chain.
	StateNegotiatingAncestor

	// StateFetchingBlocks is the state in which the machine requests the
	// next batch of blocks above the sync height.
	StateFetchingBlocks

	// StateIngesting is the state in which a fetched batch is applied.
	StateIngesting

	// StateUpToDate is the state in which the consumer is synced to the
	// remote tip and waits for it to move.
	StateUpToDate

	// StateError is the state entered once the retry budget is exhausted
	// or the remote chain shares no history with the consumer.
	StateError
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"

	case StateNegotiatingAncestor:
		return "NegotiatingAncestor"

	case StateFetchingBlocks:
		return "FetchingBlocks"

	case StateIngesting:
		return "Ingesting"

	case StateUpToDate:
		return "UpToDate"

	case StateError:
		return "Error"

	default:
		return "Unknown"
	}
}

// StateObserver is an optional extension of ingest.Observer. Observers
// implementing it are also told about every state transition of the
// consumer's machine.
type StateObserver interface {
	// OnStateChange is called after the machine of the consumer moved
	// from one state to another. err is the failure that caused a
	// transition to StateError and nil otherwise.
	OnStateChange(id chaindata.ConsumerID, from, to State, err error)
}

// stateObservers returns the observers that want state transitions.
func stateObservers(o ingest.Observer) []StateObserver {
	var observers []StateObserver

	switch o := o.(type) {
	case ingest.ObserverSet:
		for _, member := range o {
			observers = append(observers, stateObservers(member)...)
		}

	case StateObserver:
		observers = append(observers, o)
	}

	return observers
}

// Status is a point in time view of a consumer's synchronization.
type Status struct {
	// Consumer is the consumer the status is about.
	Consumer chaindata.ConsumerID

	// State is the current state of the machine.
	State State

	// SyncHeight is the height of the last applied block.
	SyncHeight uint32

	// RemoteTip is the last known height of the remote chain.
	RemoteTip uint32

	// LastError is the most recent failure, if any.
	LastError error

	// RecentErrors are the most recent failures, oldest first.
	RecentErrors []error

	// LastSync is the time the consumer last caught up with the remote
	// tip. It is zero if it never did.
	LastSync time.Time

	// NeedsResync is true if the consumer shares no history with the
	// remote chain and only an explicit resync can recover it.
	NeedsResync bool
}

// IsTransient returns true if the error is one that retrying the same step
// may resolve.
func IsTransient(err error) bool {
	return nodeclient.IsTransient(err) ||
		errors.Is(err, ingest.ErrBlockUnavailable) ||
		errors.Is(err, ancestor.ErrRemoteBehind)
}

// needsRenegotiation returns true if the error shows the remote chain moved
// under us, so the common ancestor must be searched again before retrying.
func needsRenegotiation(err error) bool {
	return errors.Is(err, ingest.ErrParentMismatch) ||
		errors.Is(err, ingest.ErrOutOfOrder) ||
		errors.Is(err, ingest.ErrRollbackTooDeep) ||
		errors.Is(err, ancestor.ErrMalformedInterval)
}
