package lnutils

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/chainsync/chaindata"
)

// LogClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure takes an interface and returns the string of it created from
// `spew.Sdump` in a LogClosure.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// CheckpointsClosure renders a checkpoint list as a compact
// "height:hash" sequence.
func CheckpointsClosure(cps []chaindata.Checkpoint) LogClosure {
	return func() string {
		parts := Map(cps, func(cp chaindata.Checkpoint) string {
			return cp.String()
		})

		return "[" + strings.Join(parts, " ") + "]"
	}
}

// IntervalClosure renders a blockchain interval as its height range followed
// by the hashes it holds. Zero hashes are shown as "-".
func IntervalClosure(i *chaindata.BlockchainInterval) LogClosure {
	return func() string {
		var (
			zero  chainhash.Hash
			parts = make([]string, 0, len(i.Blocks))
		)
		for _, hash := range i.Blocks {
			if hash == zero {
				parts = append(parts, "-")
				continue
			}

			parts = append(parts, hash.String())
		}

		end, ok := i.EndHeight()
		if !ok {
			return fmt.Sprintf("empty interval at %d",
				i.StartHeight)
		}

		return chaindata.HeightRange{Start: i.StartHeight, End: end}.
			String() + " " + strings.Join(parts, " ")
	}
}
