package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"cardrails/internal/intent"
)

const (
	defaultNativeLookback = 100
	defaultTokenLookback  = 50
)

// TokenAccount is the service-owned sub-account holding one tracked mint.
type TokenAccount struct {
	Mint    string
	Address string
}

type RPCClientConfig struct {
	RPCURL           string
	ReceivingAddress string
	// TokenAccounts maps each tracked fungible asset to its sub-account.
	TokenAccounts  map[intent.Asset]TokenAccount
	NativeLookback int
	TokenLookback  int
}

// RPCClient reads the ledger over JSON-RPC 2.0.
type RPCClient struct {
	rpc *rpc.Client
	cfg RPCClientConfig
}

func NewRPCClient(ctx context.Context, cfg RPCClientConfig) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ReceivingAddress == "" {
		return nil, fmt.Errorf("receiving address is required")
	}
	if cfg.NativeLookback <= 0 || cfg.NativeLookback > defaultNativeLookback {
		cfg.NativeLookback = defaultNativeLookback
	}
	if cfg.TokenLookback <= 0 || cfg.TokenLookback > defaultTokenLookback {
		cfg.TokenLookback = defaultTokenLookback
	}

	cli, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &RPCClient{rpc: cli, cfg: cfg}, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) Ping(ctx context.Context) error {
	var height uint64
	return c.rpc.CallContext(ctx, &height, "getBlockHeight")
}

// signatureInfo is one entry from getSignaturesForAddress.
type signatureInfo struct {
	Signature string          `json:"signature"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// rawTransaction is the subset of getTransaction we need to recompute
// balance deltas.
type rawTransaction struct {
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               json.RawMessage `json:"err"`
		PreBalances       []int64         `json:"preBalances"`
		PostBalances      []int64         `json:"postBalances"`
		PreTokenBalances  []tokenBalance  `json:"preTokenBalances"`
		PostTokenBalances []tokenBalance  `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
}

type tokenBalance struct {
	AccountIndex int    `json:"accountIndex"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner"`
	UITokenAmt   struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

func txFailed(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func (c *RPCClient) RecentTransfers(ctx context.Context, asset intent.Asset) ([]CandidateTransfer, error) {
	address := c.cfg.ReceivingAddress
	limit := c.cfg.NativeLookback
	if asset.Stable() {
		acct, ok := c.cfg.TokenAccounts[asset]
		if !ok {
			return nil, fmt.Errorf("no token account configured for %s", asset)
		}
		address = acct.Address
		limit = c.cfg.TokenLookback
	}

	var infos []signatureInfo
	err := c.rpc.CallContext(ctx, &infos, "getSignaturesForAddress", address,
		map[string]any{"limit": limit, "commitment": "confirmed"})
	if err != nil {
		return nil, fmt.Errorf("list signatures for %s: %w", address, err)
	}

	out := make([]CandidateTransfer, 0, len(infos))
	for _, info := range infos {
		if txFailed(info.Err) {
			continue
		}
		detail, err := c.FetchTransfer(ctx, info.Signature, asset)
		if err != nil || detail == nil {
			// Partial results are acceptable; a transaction we cannot
			// decode is skipped, not fatal to the scan.
			continue
		}
		if detail.Failed || detail.Amount <= 0 {
			continue
		}
		out = append(out, CandidateTransfer{
			Signature:    detail.Signature,
			Amount:       detail.Amount,
			Counterparty: detail.Counterparty,
			Timestamp:    detail.Timestamp,
		})
	}
	return out, nil
}

func (c *RPCClient) FetchTransfer(ctx context.Context, signature string, asset intent.Asset) (*TransferDetail, error) {
	var raw *rawTransaction
	err := c.rpc.CallContext(ctx, &raw, "getTransaction", signature,
		map[string]any{"encoding": "json", "commitment": "confirmed", "maxSupportedTransactionVersion": 0})
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", signature, err)
	}
	if raw == nil {
		return nil, nil
	}
	if raw.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no meta", signature)
	}

	detail := &TransferDetail{
		Signature: signature,
		Failed:    txFailed(raw.Meta.Err),
		Accounts:  raw.Transaction.Message.AccountKeys,
	}
	if raw.BlockTime != nil {
		detail.Timestamp = time.Unix(*raw.BlockTime, 0).UTC()
	}
	if detail.Failed {
		return detail, nil
	}

	if asset.Stable() {
		acct, ok := c.cfg.TokenAccounts[asset]
		if !ok {
			return nil, fmt.Errorf("no token account configured for %s", asset)
		}
		c.resolveTokenDelta(raw, acct, detail)
	} else {
		c.resolveNativeDelta(raw, detail)
	}
	return detail, nil
}

// resolveNativeDelta recomputes the lamport delta at the receiving address
// from the pre/post balance snapshots. If the address was loaded through a
// lookup table it will not appear in accountKeys; the delta stays zero and
// callers treat the transfer as unresolvable.
func (c *RPCClient) resolveNativeDelta(raw *rawTransaction, detail *TransferDetail) {
	keys := raw.Transaction.Message.AccountKeys
	idx := -1
	for i, k := range keys {
		if k == c.cfg.ReceivingAddress {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(raw.Meta.PreBalances) || idx >= len(raw.Meta.PostBalances) {
		return
	}
	detail.Amount = raw.Meta.PostBalances[idx] - raw.Meta.PreBalances[idx]
	// The primary signer (fee payer) is the sending wallet for native
	// transfers.
	if len(keys) > 0 {
		detail.Counterparty = keys[0]
	}
}

// resolveTokenDelta recomputes the token delta at the service sub-account
// and extracts the counterparty as the owner whose balance of the same mint
// decreased.
func (c *RPCClient) resolveTokenDelta(raw *rawTransaction, acct TokenAccount, detail *TransferDetail) {
	keys := raw.Transaction.Message.AccountKeys
	idx := -1
	for i, k := range keys {
		if k == acct.Address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	pre := map[int]int64{}
	for _, tb := range raw.Meta.PreTokenBalances {
		if tb.Mint != acct.Mint {
			continue
		}
		pre[tb.AccountIndex] = parseAmount(tb.UITokenAmt.Amount)
	}
	for _, tb := range raw.Meta.PostTokenBalances {
		if tb.Mint != acct.Mint {
			continue
		}
		delta := parseAmount(tb.UITokenAmt.Amount) - pre[tb.AccountIndex]
		delete(pre, tb.AccountIndex)
		if tb.AccountIndex == idx {
			detail.Amount = delta
		} else if delta < 0 && tb.Owner != "" {
			detail.Counterparty = tb.Owner
		}
	}
	// Accounts present pre but absent post (closed accounts) count as a
	// full debit.
	for accIdx, amt := range pre {
		if accIdx != idx && amt > 0 {
			for _, tb := range raw.Meta.PreTokenBalances {
				if tb.AccountIndex == accIdx && tb.Owner != "" {
					detail.Counterparty = tb.Owner
				}
			}
		}
	}
}

// tokenAccountsByOwner is the jsonParsed shape of getTokenAccountsByOwner.
type tokenAccountsByOwner struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

func (c *RPCClient) TokenBalance(ctx context.Context, owner, mint string) (int64, error) {
	var res tokenAccountsByOwner
	err := c.rpc.CallContext(ctx, &res, "getTokenAccountsByOwner", owner,
		map[string]any{"mint": mint},
		map[string]any{"encoding": "jsonParsed"})
	if err != nil {
		return 0, fmt.Errorf("token accounts for %s: %w", owner, err)
	}
	var total int64
	for _, v := range res.Value {
		total += parseAmount(v.Account.Data.Parsed.Info.TokenAmount.Amount)
	}
	return total, nil
}

func parseAmount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
