package syncdb

import (
	"io"

	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// syncHeightType is the record holding the sync height.
	syncHeightType tlv.Type = 0

	// lastBlockHashType is the record holding the hash of the block at the
	// sync height.
	lastBlockHashType tlv.Type = 1

	// checkpointsType is the record holding the retained checkpoints.
	checkpointsType tlv.Type = 2

	// checkpointSize is the encoded size of a single checkpoint: its
	// height followed by its hash.
	checkpointSize = 4 + 32
)

// encodeSnapshot writes the snapshot as a tlv stream. The consumer ID is not
// part of it, it is the key the value is stored under.
func encodeSnapshot(w io.Writer, s *chaindata.ConsumerSnapshot) error {
	syncHeight := s.SyncHeight
	lastHash := [32]byte(s.LastBlockHash)
	checkpoints := s.Checkpoints

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(syncHeightType, &syncHeight),
		tlv.MakePrimitiveRecord(lastBlockHashType, &lastHash),
		tlv.MakeDynamicRecord(
			checkpointsType, &checkpoints, func() uint64 {
				return uint64(len(checkpoints)) *
					checkpointSize
			}, encodeCheckpoints, decodeCheckpoints,
		),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeSnapshot reads a snapshot of the given consumer from a tlv stream.
func decodeSnapshot(id chaindata.ConsumerID,
	r io.Reader) (*chaindata.ConsumerSnapshot, error) {

	var (
		syncHeight  uint32
		lastHash    [32]byte
		checkpoints []chaindata.Checkpoint
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(syncHeightType, &syncHeight),
		tlv.MakePrimitiveRecord(lastBlockHashType, &lastHash),
		tlv.MakeDynamicRecord(
			checkpointsType, &checkpoints, nil, encodeCheckpoints,
			decodeCheckpoints,
		),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	return &chaindata.ConsumerSnapshot{
		ID:            id,
		SyncHeight:    syncHeight,
		LastBlockHash: lastHash,
		Checkpoints:   checkpoints,
	}, nil
}

// encodeCheckpoints is a tlv.Encoder for a list of checkpoints.
func encodeCheckpoints(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]chaindata.Checkpoint); ok {
		for _, cp := range *v {
			if err := tlv.EUint32T(w, cp.Height, buf); err != nil {
				return err
			}

			if _, err := w.Write(cp.Hash[:]); err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]chaindata.Checkpoint")
}

// decodeCheckpoints is a tlv.Decoder for a list of checkpoints.
func decodeCheckpoints(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[]chaindata.Checkpoint)
	if !ok || l%checkpointSize != 0 {
		return tlv.NewTypeForDecodingErr(
			val, "[]chaindata.Checkpoint", l, l,
		)
	}

	if l == 0 {
		*v = nil
		return nil
	}

	checkpoints := make([]chaindata.Checkpoint, l/checkpointSize)
	for i := range checkpoints {
		err := tlv.DUint32(r, &checkpoints[i].Height, buf, 4)
		if err != nil {
			return err
		}

		_, err = io.ReadFull(r, checkpoints[i].Hash[:])
		if err != nil {
			return err
		}
	}
	*v = checkpoints

	return nil
}
