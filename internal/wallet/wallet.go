// Package wallet talks to the payment provider that holds user balances,
// registers sellable content and debits purchases.
package wallet

import (
	"context"
	"errors"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("payment provider rejected the request")
	ErrInvalidPrice      = errors.New("price must be positive")
)

// Wallet is the payment collaborator. CreatePurchase must be idempotent per
// idempotencyKey: a repeat with the same key returns the original
// transaction id without debiting again.
type Wallet interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	CreatePurchase(ctx context.Context, userID, contentID string, priceCents int64, idempotencyKey string) (string, error)
	RegisterContent(ctx context.Context, title string, priceCents int64, metadata map[string]string) (string, error)
	VerifyPurchase(ctx context.Context, userID, contentID string) (bool, error)
}
