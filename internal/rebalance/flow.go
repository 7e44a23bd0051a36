package rebalance

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/grvt"
	"github.com/lumaoDoggie/grvt-transfer/internal/signer"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

// The only sanctioned cross-account funds move is the three-hop chain:
// source trading -> source funding -> destination funding -> destination
// trading. Hops run strictly in order; a failed hop aborts the chain and
// leaves the funds parked in a funding wallet, where the next tick's sweep
// picks them up. Nothing is ever rolled back.

// executeFlow runs the chain. It returns the tx ids of the hops that ran,
// whether all three acked, and failure detail for the warning alert.
func (e *Engine) executeFlow(ctx context.Context, src, dst *Account, amount decimal.Decimal) (snapshot.TxIDs, bool, map[string]any) {
	var txIDs snapshot.TxIDs
	currency := src.Creds.Currency

	// hop 1: internal, trading sub-account down to the funding wallet
	res, err := e.transferHop(ctx, src.Trading, src.TradingSigner, signer.TransferParams{
		FromAccount: src.Creds.FundingAddress,
		FromSubID:   src.Creds.TradingSubID,
		ToAccount:   src.Creds.FundingAddress,
		ToSubID:     "0",
		Currency:    currency,
		NumTokens:   amount,
	})
	if err != nil || !res.Ack {
		log.Error().Err(err).Str("hop", "internal").Msg("transfer hop failed")
		return txIDs, false, hopFailure("internal", err, res)
	}
	txIDs.Internal = res.TxID
	e.throttle(ctx)

	// hop 2: funding to funding, across accounts
	res, err = e.transferHop(ctx, src.Funding, src.FundingSigner, signer.TransferParams{
		FromAccount: src.Creds.FundingAddress,
		FromSubID:   "0",
		ToAccount:   dst.Creds.FundingAddress,
		ToSubID:     "0",
		Currency:    currency,
		NumTokens:   amount,
	})
	if err != nil || !res.Ack {
		log.Error().Err(err).Str("hop", "funding_to_funding").Msg("transfer hop failed")
		return txIDs, false, hopFailure("funding_to_funding", err, res)
	}
	txIDs.FundingToFunding = res.TxID
	e.throttle(ctx)

	// hop 3: deposit into the destination trading sub-account
	res, err = e.transferHop(ctx, dst.Funding, dst.FundingSigner, signer.TransferParams{
		FromAccount: dst.Creds.FundingAddress,
		FromSubID:   "0",
		ToAccount:   dst.Creds.FundingAddress,
		ToSubID:     dst.Creds.TradingSubID,
		Currency:    currency,
		NumTokens:   amount,
	})
	if err != nil || !res.Ack {
		log.Error().Err(err).Str("hop", "deposit").Msg("transfer hop failed")
		return txIDs, false, hopFailure("deposit", err, res)
	}
	txIDs.Deposit = res.TxID

	return txIDs, true, nil
}

func (e *Engine) transferHop(ctx context.Context, ex Exchange, sg TransferSigner, p signer.TransferParams) (grvt.TransferResult, error) {
	req, err := sg.SignTransfer(p)
	if err != nil {
		return grvt.TransferResult{}, err
	}
	return ex.Transfer(ctx, req)
}

// sweep moves any funding balance above the threshold back into trading.
// Failures are logged and ignored; the next tick retries naturally.
func (e *Engine) sweep(ctx context.Context, acct *Account) {
	bal, err := acct.Funding.FundingUSDTBalance(ctx, acct.Creds.Currency)
	if err != nil || bal.LessThanOrEqual(e.cfg.FundingSweepThreshold) {
		return
	}
	log.Info().
		Str("account", acct.Creds.Label).
		Str("balance", bal.String()).
		Msg("sweeping funding balance into trading")
	res, err := e.transferHop(ctx, acct.Funding, acct.FundingSigner, signer.TransferParams{
		FromAccount: acct.Creds.FundingAddress,
		FromSubID:   "0",
		ToAccount:   acct.Creds.FundingAddress,
		ToSubID:     acct.Creds.TradingSubID,
		Currency:    acct.Creds.Currency,
		NumTokens:   bal,
	})
	if err != nil || !res.Ack {
		log.Warn().Err(err).Str("account", acct.Creds.Label).Msg("funding sweep failed")
	}
}

func (e *Engine) throttle(ctx context.Context) {
	if e.cfg.RebalanceThrottleMs > 0 {
		e.wait(ctx, time.Duration(e.cfg.RebalanceThrottleMs)*time.Millisecond)
	}
}

func hopFailure(hop string, err error, res grvt.TransferResult) map[string]any {
	info := map[string]any{"transfer_hop_failed": hop}
	if err != nil {
		info["error"] = err.Error()
		info["kind"] = string(grvt.Classify(err))
	} else {
		info["error"] = "transfer not acked"
		info["tx_id"] = res.TxID
	}
	return info
}
