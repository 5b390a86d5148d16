package feed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

const aggregatorABIJSON = `[
  {"inputs": [], "name": "latestRoundData", "outputs": [
    {"internalType": "uint80", "name": "roundId", "type": "uint80"},
    {"internalType": "int256", "name": "answer", "type": "int256"},
    {"internalType": "uint256", "name": "startedAt", "type": "uint256"},
    {"internalType": "uint256", "name": "updatedAt", "type": "uint256"},
    {"internalType": "uint80", "name": "answeredInRound", "type": "uint80"}
  ], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "decimals", "outputs": [
    {"internalType": "uint8", "name": "", "type": "uint8"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	aggregatorABI    abi.ABI
	aggregatorOnce   sync.Once
	aggregatorABIErr error
)

func getAggregatorABI() (abi.ABI, error) {
	aggregatorOnce.Do(func() {
		aggregatorABI, aggregatorABIErr = abi.JSON(strings.NewReader(aggregatorABIJSON))
	})
	return aggregatorABI, aggregatorABIErr
}

// Aggregator reads the reference price from a Chainlink-style on-chain
// aggregator contract via eth_call.
type Aggregator struct {
	ethClient *ethclient.Client
	contract  common.Address

	mu       sync.Mutex
	decimals *uint8
}

// NewAggregator dials the RPC endpoint and targets the given aggregator
// contract address.
func NewAggregator(ctx context.Context, rpcURL, contractAddr string) (*Aggregator, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid aggregator address %q", contractAddr)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Aggregator{
		ethClient: client,
		contract:  common.HexToAddress(contractAddr),
	}, nil
}

// Close closes the underlying RPC client.
func (a *Aggregator) Close() {
	if a.ethClient != nil {
		a.ethClient.Close()
	}
}

func (a *Aggregator) Price(ctx context.Context, _ model.Pair) (decimal.Decimal, error) {
	answer, err := a.latestAnswer(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: aggregator %s: %v", ErrUnavailable, a.contract.Hex(), err)
	}
	if answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: aggregator %s: non-positive answer %s",
			ErrUnavailable, a.contract.Hex(), answer)
	}

	scale, err := a.priceDecimals(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: aggregator %s: %v", ErrUnavailable, a.contract.Hex(), err)
	}

	return decimal.NewFromBigInt(answer, -int32(scale)), nil
}

func (a *Aggregator) latestAnswer(ctx context.Context) (*big.Int, error) {
	contractABI, err := getAggregatorABI()
	if err != nil {
		return nil, err
	}

	data, err := contractABI.Pack("latestRoundData")
	if err != nil {
		return nil, fmt.Errorf("pack latestRoundData: %w", err)
	}

	msg := ethereum.CallMsg{To: &a.contract, Data: data}
	resp, err := a.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call latestRoundData: %w", err)
	}

	values, err := contractABI.Unpack("latestRoundData", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("latestRoundData return size %d", len(values))
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("latestRoundData unexpected type %T", values[1])
	}
	return answer, nil
}

func (a *Aggregator) priceDecimals(ctx context.Context) (uint8, error) {
	a.mu.Lock()
	cached := a.decimals
	a.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	contractABI, err := getAggregatorABI()
	if err != nil {
		return 0, err
	}

	data, err := contractABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}

	msg := ethereum.CallMsg{To: &a.contract, Data: data}
	resp, err := a.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}

	values, err := contractABI.Unpack("decimals", resp)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("decimals return size %d", len(values))
	}
	scale, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals unexpected type %T", values[0])
	}

	a.mu.Lock()
	a.decimals = &scale
	a.mu.Unlock()
	return scale, nil
}
