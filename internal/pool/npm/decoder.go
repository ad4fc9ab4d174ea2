package npm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidityManager/internal/chain"
)

// Position manager log names.
const (
	LogIncreaseLiquidity = "IncreaseLiquidity"
	LogDecreaseLiquidity = "DecreaseLiquidity"
	LogCollect           = "Collect"
	LogTransfer          = "Transfer"
)

// PositionLog is a decoded position manager event.
type PositionLog struct {
	Name        string
	TokenID     *big.Int
	Liquidity   *big.Int
	Amount0     *big.Int
	Amount1     *big.Int
	Recipient   common.Address
	From        common.Address
	To          common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Decoder decodes position manager logs.
type Decoder struct {
	parsed      abi.ABI
	topicToName map[common.Hash]string
}

func NewDecoder() (*Decoder, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, err
	}
	topicToName := make(map[common.Hash]string, 4)
	for _, name := range []string{LogIncreaseLiquidity, LogDecreaseLiquidity, LogCollect, LogTransfer} {
		topicToName[parsed.Events[name].ID] = name
	}
	return &Decoder{parsed: parsed, topicToName: topicToName}, nil
}

// Topics returns the topic0 values the decoder understands.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topicToName))
	for _, name := range []string{LogIncreaseLiquidity, LogDecreaseLiquidity, LogCollect, LogTransfer} {
		out = append(out, d.parsed.Events[name].ID)
	}
	return out
}

// CanDecode checks topic0 and, for Transfer, the ERC-721 topic count.
func (d *Decoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	name, ok := d.topicToName[log.Topics[0]]
	if !ok {
		return false
	}
	if name == LogTransfer {
		return len(log.Topics) == 4
	}
	return true
}

// Decode converts a log into a PositionLog.
func (d *Decoder) Decode(log types.Log) (PositionLog, error) {
	if len(log.Topics) == 0 {
		return PositionLog{}, fmt.Errorf("missing topics")
	}
	name, ok := d.topicToName[log.Topics[0]]
	if !ok {
		return PositionLog{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}
	out := PositionLog{
		Name:        name,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
	event := d.parsed.Events[name]

	switch name {
	case LogTransfer:
		var indexed struct {
			From    common.Address
			To      common.Address
			TokenId *big.Int
		}
		if err := parseTopics(event, log.Topics, &indexed); err != nil {
			return PositionLog{}, err
		}
		out.From, out.To, out.TokenID = indexed.From, indexed.To, indexed.TokenId
		return out, nil
	case LogIncreaseLiquidity, LogDecreaseLiquidity:
		tokenID, err := tokenIDTopic(event, log.Topics)
		if err != nil {
			return PositionLog{}, err
		}
		values, err := unpackNonIndexed(event, log.Data, 3)
		if err != nil {
			return PositionLog{}, err
		}
		out.TokenID = tokenID
		if out.Liquidity, err = chain.AsBigInt(values[0]); err != nil {
			return PositionLog{}, err
		}
		if out.Amount0, err = chain.AsBigInt(values[1]); err != nil {
			return PositionLog{}, err
		}
		if out.Amount1, err = chain.AsBigInt(values[2]); err != nil {
			return PositionLog{}, err
		}
		return out, nil
	case LogCollect:
		tokenID, err := tokenIDTopic(event, log.Topics)
		if err != nil {
			return PositionLog{}, err
		}
		values, err := unpackNonIndexed(event, log.Data, 3)
		if err != nil {
			return PositionLog{}, err
		}
		out.TokenID = tokenID
		if out.Recipient, err = chain.AsAddress(values[0]); err != nil {
			return PositionLog{}, err
		}
		if out.Amount0, err = chain.AsBigInt(values[1]); err != nil {
			return PositionLog{}, err
		}
		if out.Amount1, err = chain.AsBigInt(values[2]); err != nil {
			return PositionLog{}, err
		}
		return out, nil
	default:
		return PositionLog{}, fmt.Errorf("unsupported event name: %s", name)
	}
}

func tokenIDTopic(event abi.Event, topics []common.Hash) (*big.Int, error) {
	var indexed struct {
		TokenId *big.Int
	}
	if err := parseTopics(event, topics, &indexed); err != nil {
		return nil, err
	}
	return indexed.TokenId, nil
}

func parseTopics(event abi.Event, topics []common.Hash, out interface{}) error {
	indexed := indexedArguments(event.Inputs)
	if len(topics) != len(indexed)+1 {
		return fmt.Errorf("%s: expected %d topics, got %d", event.Name, len(indexed)+1, len(topics))
	}
	if err := abi.ParseTopics(out, indexed, topics[1:]); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}
	return nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, data []byte, want int) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != want {
		return nil, fmt.Errorf("unexpected %s values: %d", event.Name, len(values))
	}
	return values, nil
}
