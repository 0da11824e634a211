// Package aawallet is the payment-execution core of a custodial smart-account
// wallet: it turns payment intents into signed, paymaster-sponsored ERC-4337
// operations, tracks their settlement, ingests deposits and enforces
// per-account spend policy.
package aawallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vitwit/aawallet/bundler"
	"github.com/vitwit/aawallet/chain"
	"github.com/vitwit/aawallet/events"
	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/metrics"
	"github.com/vitwit/aawallet/payment"
	"github.com/vitwit/aawallet/scanner"
	"github.com/vitwit/aawallet/signer"
	"github.com/vitwit/aawallet/store"
	"github.com/vitwit/aawallet/types"
	"github.com/vitwit/aawallet/userop"
)

// Wallet wires the full pipeline together and is the only entry point outer
// surfaces (API, chat, admin) talk to.
type Wallet struct {
	cfg     types.Config
	log     logger.Logger
	metrics metrics.Recorder

	store   store.Store
	oracle  signer.Oracle
	emitter events.Emitter

	nodeRPC  *rpc.Client
	relayRPC *rpc.Client
	eth      *ethclient.Client
	pool     *pgxpool.Pool
	amqp     *events.AMQPPublisher

	reader  *chain.Reader
	builder *userop.Builder
	relay   *bundler.Client
	orch    *payment.Orchestrator

	scanner *scanner.DepositScanner
	reaper  *scanner.Reaper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New dials the node and relay endpoints, wires the store, the sponsorship
// pipeline and the background loops. A signing oracle is mandatory; logger,
// metrics and store can be overridden via options.
func New(ctx context.Context, cfg types.Config, opts ...Option) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:     cfg,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.oracle == nil {
		return nil, types.NewValidationError("a signing oracle is required; use WithSigner")
	}

	nodeRPC, err := rpc.DialContext(ctx, cfg.NodeRPCURL)
	if err != nil {
		return nil, types.NewProtocolError("dialing node: %v", err)
	}
	relayRPC, err := rpc.DialContext(ctx, cfg.BundlerRPCURL)
	if err != nil {
		nodeRPC.Close()
		return nil, types.NewProtocolError("dialing relay: %v", err)
	}
	w.nodeRPC = nodeRPC
	w.relayRPC = relayRPC
	w.eth = ethclient.NewClient(nodeRPC)

	if w.store == nil {
		if cfg.DatabaseURL != "" {
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				w.closeClients()
				return nil, types.NewProtocolError("connecting to database: %v", err)
			}
			w.pool = pool
			w.store = store.NewPostgresStore(pool)
		} else {
			w.store = store.NewMemoryStore()
		}
	}
	// Already validated by cfg.Validate above.
	defaults, _ := cfg.DefaultLimits()
	if ds, ok := w.store.(interface{ SetDefaultLimits(types.SpendLimits) }); ok {
		ds.SetDefaultLimits(defaults)
	}

	emitters := []events.Emitter{events.NewStoreEmitter(w.store)}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPEvents)
		if err != nil {
			w.closeClients()
			return nil, types.NewProtocolError("connecting to broker: %v", err)
		}
		w.amqp = pub
		emitters = append(emitters, pub)
	}
	w.emitter = events.NewFanout(w.log, emitters...)

	entryPoint := common.HexToAddress(cfg.EntryPointAddress)
	chainID := big.NewInt(cfg.ChainID)

	w.reader, err = chain.NewReader(w.eth, common.HexToAddress(cfg.TokenAddress), cfg.TokenDecimals)
	if err != nil {
		w.closeClients()
		return nil, err
	}
	w.builder, err = userop.NewBuilder(w.eth, entryPoint, common.HexToAddress(cfg.FactoryAddress))
	if err != nil {
		w.closeClients()
		return nil, err
	}
	w.relay = bundler.NewClient(relayRPC, nodeRPC, entryPoint, chainID,
		cfg.ReceiptPollEvery, cfg.SettlementTimeout, w.log)

	w.orch = payment.NewOrchestrator(payment.Deps{
		Store:      w.store,
		Chain:      w.reader,
		Builder:    w.builder,
		Relay:      w.relay,
		Oracle:     w.oracle,
		Emitter:    w.emitter,
		EntryPoint: entryPoint,
		ChainID:    chainID,
		Escrow:     common.HexToAddress(cfg.EscrowAddress),
		PendingTTL: cfg.PendingTTL,
		Logger:     w.log,
		Metrics:    w.metrics,
	})

	w.scanner = scanner.NewDepositScanner(w.reader, w.store, w.emitter,
		cfg.ScannerInterval, cfg.ScannerWindow, w.log, w.metrics)
	w.reaper = scanner.NewReaper(w.store, cfg.ReaperInterval, w.log, w.metrics)

	return w, nil
}

// Start launches the deposit scanner and the pending-payment reaper. Stop
// them with Close.
func (w *Wallet) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.scanner.Run(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.reaper.Run(ctx)
	}()
	w.log.Info("wallet started", map[string]any{
		"chainId":    w.cfg.ChainID,
		"entryPoint": w.cfg.EntryPointAddress,
	})
}

// Close stops the background loops and closes every connection.
func (w *Wallet) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.closeClients()
}

func (w *Wallet) closeClients() {
	if w.amqp != nil {
		w.amqp.Close()
	}
	if w.pool != nil {
		w.pool.Close()
	}
	if w.nodeRPC != nil {
		w.nodeRPC.Close()
	}
	if w.relayRPC != nil {
		w.relayRPC.Close()
	}
}

// RegisterAccount computes the counterfactual smart-account address for the
// owner key and persists the account. The account deploys on chain with its
// first settled operation, not here.
func (w *Wallet) RegisterAccount(ctx context.Context, owner common.Address, signerWalletID string) (*types.Account, error) {
	addr, err := w.builder.CounterfactualAddress(ctx, owner)
	if err != nil {
		return nil, err
	}
	account := &types.Account{
		ID:                  uuid.NewString(),
		OwnerAddress:        owner,
		SmartAccountAddress: addr,
		SignerWalletID:      signerWalletID,
		CreatedAt:           time.Now().UTC(),
	}
	if err := w.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	w.log.Info("account registered", map[string]any{
		"account": account.ID,
		"address": addr.Hex(),
	})
	return account, nil
}

// Pay sends tokens to a recipient, or parks the payment for confirmation
// when it is above the account's threshold.
func (w *Wallet) Pay(ctx context.Context, accountID string, to common.Address, amount decimal.Decimal, memo string) (*payment.PayResult, error) {
	return w.orch.Pay(ctx, accountID, to, amount, memo)
}

// ConfirmPayment settles a previously parked payment.
func (w *Wallet) ConfirmPayment(ctx context.Context, accountID, pendingID string) (*types.SettlementResult, error) {
	return w.orch.Confirm(ctx, accountID, pendingID)
}

// CancelPayment voids a parked payment.
func (w *Wallet) CancelPayment(ctx context.Context, accountID, pendingID string) error {
	return w.orch.Cancel(ctx, accountID, pendingID)
}

// Withdraw moves tokens out to an external address, always immediately.
func (w *Wallet) Withdraw(ctx context.Context, accountID string, to common.Address, amount decimal.Decimal, memo string) (*types.SettlementResult, error) {
	return w.orch.Withdraw(ctx, accountID, to, amount, memo)
}

// EscrowDeposit locks tokens in the escrow contract under an order id for
// the seller.
func (w *Wallet) EscrowDeposit(ctx context.Context, accountID string, orderID [32]byte, seller common.Address, amount decimal.Decimal) (*types.SettlementResult, error) {
	return w.orch.EscrowDeposit(ctx, accountID, orderID, seller, amount)
}

// ContractCall executes arbitrary calldata from the smart account.
func (w *Wallet) ContractCall(ctx context.Context, accountID string, target common.Address, value *big.Int, data []byte) (*types.SettlementResult, error) {
	return w.orch.ContractCall(ctx, accountID, target, value, data)
}

// Balance returns the account's live token balance in human units.
func (w *Wallet) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := w.store.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.reader.BalanceOf(ctx, account.SmartAccountAddress)
}

// Events returns the account's event log entries after `since`.
func (w *Wallet) Events(ctx context.Context, accountID string, since time.Time, limit int) ([]types.Event, error) {
	return w.store.EventsSince(ctx, accountID, since, limit)
}

// Transactions returns the account's most recent ledger entries.
func (w *Wallet) Transactions(ctx context.Context, accountID string, limit int) ([]types.Transaction, error) {
	return w.store.Transactions(ctx, accountID, limit)
}

// Settings returns the account's spend policy, defaulted when unset.
func (w *Wallet) Settings(ctx context.Context, accountID string) (types.SpendLimits, error) {
	return w.store.SpendLimits(ctx, accountID)
}

// UpdateSettings replaces the account's spend policy.
func (w *Wallet) UpdateSettings(ctx context.Context, limits types.SpendLimits) error {
	if limits.PerTransaction.Sign() <= 0 || limits.Daily.Sign() <= 0 || limits.ConfirmationThreshold.Sign() <= 0 {
		return types.NewValidationError("spend limits must be positive")
	}
	if limits.PerTransaction.GreaterThan(limits.Daily) {
		return types.NewValidationError("per-transaction limit %s exceeds daily limit %s",
			limits.PerTransaction, limits.Daily)
	}
	return w.store.PutSpendLimits(ctx, limits)
}
