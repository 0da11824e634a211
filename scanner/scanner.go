// Package scanner runs the wallet's background loops: the deposit scanner
// that ingests inbound token transfers, and the reaper that expires stale
// pending payments. Both are plain ticker loops that stop when their context
// is cancelled.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/aawallet/events"
	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/metrics"
	"github.com/vitwit/aawallet/store"
	"github.com/vitwit/aawallet/types"
)

// ChainSource is the slice of chain.Reader the scanner needs.
type ChainSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	TransferEvents(ctx context.Context, fromBlock, toBlock uint64) ([]types.TransferEvent, error)
}

// DepositScanner walks the chain in bounded windows, recording token
// transfers into managed accounts as deposit transactions. The cursor lives
// in the store, so restarts resume where the last run stopped.
type DepositScanner struct {
	chain   ChainSource
	store   store.Store
	emitter events.Emitter

	interval time.Duration
	window   uint64

	log     logger.Logger
	metrics metrics.Recorder
}

func NewDepositScanner(chain ChainSource, st store.Store, emitter events.Emitter,
	interval time.Duration, window uint64, log logger.Logger, rec metrics.Recorder) *DepositScanner {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if window == 0 {
		window = 2000
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DepositScanner{
		chain:    chain,
		store:    st,
		emitter:  emitter,
		interval: interval,
		window:   window,
		log:      log,
		metrics:  rec,
	}
}

// Run scans on the configured interval until ctx is cancelled. Scan errors
// are logged and the loop keeps going; the next tick retries from the same
// cursor.
func (s *DepositScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				s.log.Error("deposit scan failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// ScanOnce processes at most one window. On the very first run the cursor is
// anchored at the live chain head: history before the service existed is not
// backfilled.
func (s *DepositScanner) ScanOnce(ctx context.Context) error {
	latest, err := s.chain.LatestBlock(ctx)
	if err != nil {
		return err
	}

	cursor, ok, err := s.store.ScannerCursor(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("anchoring deposit scanner", map[string]any{"block": latest + 1})
		return s.store.SetScannerCursor(ctx, latest+1)
	}
	if cursor > latest {
		return nil
	}

	end := cursor + s.window - 1
	if end > latest {
		end = latest
	}

	transfers, err := s.chain.TransferEvents(ctx, cursor, end)
	if err != nil {
		return err
	}

	addresses, err := s.store.AccountAddresses(ctx)
	if err != nil {
		return err
	}

	for _, tr := range transfers {
		accountID, managed := addresses[tr.To]
		if !managed {
			continue
		}
		tx := &types.Transaction{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Type:      types.TransactionTypeDeposit,
			Amount:    tr.Value,
			From:      tr.From,
			To:        tr.To,
			ChainTxID: tr.TxHash,
			Status:    "settled",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.InsertTransaction(ctx, tx); err != nil {
			if errors.Is(err, store.ErrDuplicateTransaction) {
				continue // window overlap; already recorded
			}
			return err
		}
		s.metrics.IncCounter("deposit_ingested", map[string]string{"kind": "deposit"})
		if s.emitter != nil {
			if err := s.emitter.Emit(ctx, events.New(accountID, types.EventDepositReceived, map[string]any{
				"from":   tr.From.Hex(),
				"amount": tr.Value.String(),
				"txHash": tr.TxHash,
				"block":  tr.BlockNumber,
			})); err != nil {
				s.log.Warn("deposit event emit failed", map[string]any{"error": err.Error()})
			}
		}
	}

	// The cursor advances past the whole window even when nothing matched,
	// so quiet ranges are never rescanned.
	return s.store.SetScannerCursor(ctx, end+1)
}
