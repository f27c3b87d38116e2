package ancestor

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/lnutils"
	"github.com/lightninglabs/chainsync/nodeclient"
)

// DefaultInitialStep is the number of heights covered by the first probe below
// the preferred start height.
const DefaultInitialStep = 10

// maxStep bounds the probe span growth.
const maxStep = 1 << 20

var (
	// ErrNoCommonAncestor is returned when the search regressed below every
	// checkpoint we retain without finding a height on which we agree with
	// the remote chain. Only a full resync can recover from it.
	ErrNoCommonAncestor = errors.New("no common ancestor with remote " +
		"chain")

	// ErrMalformedInterval is returned when the remote answered with a
	// height range or length inconsistent with the query.
	ErrMalformedInterval = errors.New("malformed blockchain interval")

	// ErrRemoteBehind is returned when the search passed every checkpoint
	// we retain and the remote had no data for any of them, as happens
	// with a node that is still syncing. Nothing proves the histories
	// differ, so the search is worth retrying once the remote caught up.
	ErrRemoteBehind = errors.New("remote chain has no data at our " +
		"checkpoints")
)

// Config houses the collaborators of a Negotiator.
type Config struct {
	// Node is the remote chain we negotiate against.
	Node nodeclient.NodeClient

	// InitialStep is the span of the first probe below the preferred
	// start height. Every miss doubles it.
	InitialStep uint32
}

// Negotiator finds the highest height at which a consumer's checkpoints agree
// with the remote chain.
type Negotiator struct {
	cfg Config
}

// NewNegotiator creates a new Negotiator.
func NewNegotiator(cfg Config) *Negotiator {
	if cfg.InitialStep == 0 {
		cfg.InitialStep = DefaultInitialStep
	}

	return &Negotiator{
		cfg: cfg,
	}
}

// probe is one round trip of the search.
type probe struct {
	start uint32
	end   uint32
}

// query builds the interval sent for the probe. The hash at each position is
// our checkpoint for that height, or the zero hash if we retain none.
func (p probe) query(local map[uint32]chainhash.Hash) (
	*chaindata.BlockchainInterval, bool) {

	interval := &chaindata.BlockchainInterval{
		StartHeight: p.start,
		Blocks:      make([]chainhash.Hash, 0, p.end-p.start+1),
	}

	var known bool
	for h := p.start; ; h++ {
		hash, ok := local[h]
		known = known || ok
		interval.Blocks = append(interval.Blocks, hash)

		if h == p.end {
			break
		}
	}

	return interval, known
}

// Negotiate returns the common ancestor height of the given checkpoints and
// the remote chain. The first probe spans [preferredStartHeight, syncHeight].
// Each miss moves the search to the span right below the previous probe,
// doubling its size, until a match is found or the search passes the oldest
// checkpoint. With no checkpoints there is nothing to verify and syncHeight is
// returned as is.
//
// ErrNoCommonAncestor is only returned if the remote answered at least one
// probe with data. A search that only got empty answers fails with
// ErrRemoteBehind.
func (n *Negotiator) Negotiate(ctx context.Context, syncHeight uint32,
	checkpoints []chaindata.Checkpoint,
	preferredStartHeight uint32) (uint32, error) {

	if len(checkpoints) == 0 {
		log.Debugf("No checkpoints to verify, resuming at height %d",
			syncHeight)

		return syncHeight, nil
	}

	log.Tracef("Negotiating ancestor from height %d over checkpoints %v",
		preferredStartHeight, lnutils.CheckpointsClosure(checkpoints))

	local := make(map[uint32]chainhash.Hash, len(checkpoints))
	oldest := checkpoints[0].Height
	for _, cp := range checkpoints {
		local[cp.Height] = cp.Hash
		if cp.Height < oldest {
			oldest = cp.Height
		}
	}

	// Nothing below the oldest checkpoint can ever match, so the search
	// never probes past it.
	p := probe{
		start: max(min(preferredStartHeight, syncHeight), oldest),
		end:   syncHeight,
	}
	if p.start > p.end {
		return 0, fmt.Errorf("checkpoint at height %d above sync "+
			"height %d", oldest, syncHeight)
	}
	step := n.cfg.InitialStep

	// answered tracks whether the remote served data for any probe.
	var answered bool

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		height, res, err := n.try(ctx, p, local)
		if err != nil {
			return 0, err
		}
		answered = answered || res != probeEmpty

		if res == probeMatch {
			log.Debugf("Resolved common ancestor at height %d",
				height)

			return height, nil
		}

		if p.start <= oldest {
			if !answered {
				log.Infof("Remote has no data down to height "+
					"%d", oldest)

				return 0, fmt.Errorf("%w: searched down to "+
					"height %d", ErrRemoteBehind, oldest)
			}

			log.Warnf("No common ancestor down to height %d", oldest)

			return 0, ErrNoCommonAncestor
		}

		next := probe{end: p.start - 1}
		switch {
		case p.start-oldest <= step:
			next.start = oldest

		default:
			next.start = p.start - step
		}

		log.Debugf("Miss on heights [%d, %d], probing [%d, %d]",
			p.start, p.end, next.start, next.end)

		p = next
		if step < maxStep {
			step *= 2
		}
	}
}

// probeResult is the outcome of a single probe.
type probeResult uint8

const (
	// probeEmpty means the remote had no data for the probe, or the probe
	// was skipped.
	probeEmpty probeResult = iota

	// probeMiss means the remote served hashes but none matched ours.
	probeMiss

	// probeMatch means one of our checkpoints matched the remote.
	probeMatch
)

// try runs a single probe against the remote chain. It returns the highest
// height in the probe at which our checkpoint matches the remote hash.
func (n *Negotiator) try(ctx context.Context, p probe,
	local map[uint32]chainhash.Hash) (uint32, probeResult, error) {

	query, known := p.query(local)
	if !known {
		log.Tracef("Skipping probe [%d, %d] with no checkpoints",
			p.start, p.end)

		return 0, probeEmpty, nil
	}

	resp, err := n.cfg.Node.QueryBlockchainInterval(
		ctx, query.StartHeight, query.Blocks,
	)
	if err != nil {
		return 0, probeEmpty, fmt.Errorf("unable to query interval "+
			"at height %d: %w", p.start, err)
	}
	if resp == nil {
		return 0, probeEmpty, fmt.Errorf("%w: no interval for [%d, "+
			"%d]", ErrMalformedInterval, p.start, p.end)
	}

	log.Tracef("Remote answered probe [%d, %d] with %v", p.start, p.end,
		lnutils.IntervalClosure(resp))

	// An empty answer means the remote has no data here, which sends us
	// deeper rather than counting as a mismatch.
	if resp.IsEmpty() {
		return 0, probeEmpty, nil
	}

	end, _ := resp.EndHeight()
	if resp.StartHeight != p.start || end > p.end {
		return 0, probeEmpty, fmt.Errorf("%w: asked for [%d, %d], got "+
			"[%d, %d]", ErrMalformedInterval, p.start, p.end,
			resp.StartHeight, end)
	}

	for h := end; ; h-- {
		ours, ok := local[h]
		theirs := resp.HashAt(h).UnwrapOr(chainhash.Hash{})
		if ok && ours == theirs {
			return h, probeMatch, nil
		}

		if h == resp.StartHeight {
			break
		}
	}

	return 0, probeMiss, nil
}
