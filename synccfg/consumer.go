package synccfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/chainsync/chaindata"
)

// Consumer is a consumer declared on the command line or in the config file,
// in the form id@height:address1,address2.
type Consumer struct {
	// ID identifies the consumer.
	ID chaindata.ConsumerID

	// StartHeight is the height the consumer starts from when it has no
	// persisted state.
	StartHeight uint32

	// Addresses are the addresses whose transactions are relevant to the
	// consumer. Only coinbases are tracked if empty.
	Addresses []btcutil.Address
}

// ParseConsumer parses a consumer definition. The height and the address
// list are optional, so "alice", "alice@100" and "alice:addr" are all valid.
func ParseConsumer(def string, params *chaincfg.Params) (*Consumer, error) {
	rest, addrs, hasAddrs := strings.Cut(def, ":")
	id, height, hasHeight := strings.Cut(rest, "@")

	if id == "" {
		return nil, fmt.Errorf("consumer %q has no id", def)
	}

	consumer := &Consumer{
		ID: chaindata.ConsumerID(id),
	}

	if hasHeight {
		startHeight, err := strconv.ParseUint(height, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("consumer %v has invalid start "+
				"height %q: %w", id, height, err)
		}
		consumer.StartHeight = uint32(startHeight)
	}

	if !hasAddrs {
		return consumer, nil
	}

	for _, encoded := range strings.Split(addrs, ",") {
		addr, err := btcutil.DecodeAddress(encoded, params)
		if err != nil {
			return nil, fmt.Errorf("consumer %v has invalid address "+
				"%q: %w", id, encoded, err)
		}

		if !addr.IsForNet(params) {
			return nil, fmt.Errorf("consumer %v address %v is not "+
				"for %v", id, encoded, params.Name)
		}

		consumer.Addresses = append(consumer.Addresses, addr)
	}

	return consumer, nil
}

// ParseConsumers parses every consumer definition and checks that their IDs
// are unique.
func ParseConsumers(defs []string, params *chaincfg.Params) ([]*Consumer,
	error) {

	seen := make(map[chaindata.ConsumerID]struct{}, len(defs))
	consumers := make([]*Consumer, 0, len(defs))
	for _, def := range defs {
		consumer, err := ParseConsumer(def, params)
		if err != nil {
			return nil, err
		}

		if _, ok := seen[consumer.ID]; ok {
			return nil, fmt.Errorf("consumer %v declared twice",
				consumer.ID)
		}
		seen[consumer.ID] = struct{}{}

		consumers = append(consumers, consumer)
	}

	return consumers, nil
}
