package aawallet

import (
	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/metrics"
	"github.com/vitwit/aawallet/signer"
	"github.com/vitwit/aawallet/store"
)

type Option func(*Wallet)

func WithLogger(l logger.Logger) Option {
	return func(w *Wallet) {
		w.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(w *Wallet) {
		w.metrics = r
	}
}

// WithSigner injects the signing oracle. Required.
func WithSigner(o signer.Oracle) Option {
	return func(w *Wallet) {
		w.oracle = o
	}
}

// WithStore overrides the backend chosen from the configuration.
func WithStore(s store.Store) Option {
	return func(w *Wallet) {
		w.store = s
	}
}
