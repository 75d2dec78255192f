package onchain

// balance.go — On-chain balance reads for the operator report.
//
// The ledger's figures are accounting, not custody: the USDC.e actually
// available to trade lives in the wallet on Polygon. The report surfaces
// both so an operator can spot a funding gap before the venue starts
// rejecting orders, and position tokens (ERC1155 conditional tokens) can be
// checked against what the order book thinks we hold.

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// USDC.e collateral on Polygon
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF contract — holds conditional tokens (ERC1155)
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

var (
	erc20BalanceABI   abi.ABI
	erc1155BalanceABI abi.ABI
)

func init() {
	var err error
	erc20BalanceABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf abi: " + err.Error())
	}
	erc1155BalanceABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf erc1155 abi: " + err.Error())
	}
}

// BalanceReader reads wallet balances from a Polygon RPC node.
type BalanceReader struct {
	rpc     *ethclient.Client
	account common.Address
}

// NewBalanceReader dials the RPC endpoint. account is the funded wallet.
func NewBalanceReader(rpcURL, account string) (*BalanceReader, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial rpc: %w", err)
	}
	return &BalanceReader{rpc: rpc, account: common.HexToAddress(account)}, nil
}

// Close releases the RPC connection.
func (br *BalanceReader) Close() {
	br.rpc.Close()
}

// USDCBalance returns the wallet's USDC.e balance in USDC units.
func (br *BalanceReader) USDCBalance(ctx context.Context) (float64, error) {
	callData, err := erc20BalanceABI.Pack("balanceOf", br.account)
	if err != nil {
		return 0, fmt.Errorf("onchain: pack balanceOf: %w", err)
	}

	token := common.HexToAddress(usdcEAddress)
	result, err := br.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("onchain: balanceOf call: %w", err)
	}

	vals, err := erc20BalanceABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("onchain: unpack balanceOf: %w", err)
	}

	raw := vals[0].(*big.Int)
	bal, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e6)).Float64()
	return bal, nil
}

// TokenBalance returns the on-chain ERC-1155 balance for a conditional token.
// Returns shares (not micro-units) — e.g. 13.51 means 13.51 shares.
func (br *BalanceReader) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	tid := new(big.Int)
	if _, ok := tid.SetString(tokenID, 10); !ok {
		tidBytes, err := hex.DecodeString(strings.TrimPrefix(tokenID, "0x"))
		if err != nil {
			return 0, fmt.Errorf("onchain: invalid token ID: %s", tokenID)
		}
		tid.SetBytes(tidBytes)
	}

	callData, err := erc1155BalanceABI.Pack("balanceOf", br.account, tid)
	if err != nil {
		return 0, fmt.Errorf("onchain: pack erc1155 balanceOf: %w", err)
	}

	ctf := common.HexToAddress(ctfAddress)
	result, err := br.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &ctf,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("onchain: erc1155 call: %w", err)
	}

	vals, err := erc1155BalanceABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("onchain: unpack erc1155: %w", err)
	}

	raw := vals[0].(*big.Int)
	shares := new(big.Float).SetInt(raw)
	shares.Quo(shares, big.NewFloat(1e6))
	f, _ := shares.Float64()
	return f, nil
}
