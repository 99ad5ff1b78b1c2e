// Package purchase drives a checkout from content registration to a
// recorded, exactly-once wallet debit.
package purchase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/events"
	"github.com/technosupport/licensegate/internal/fingerprint"
	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/lock"
	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/protocols"
	"github.com/technosupport/licensegate/internal/wallet"
)

type NextAction string

const (
	ActionAuthRequired     NextAction = "AUTH_REQUIRED"
	ActionFundingRequired  NextAction = "FUNDING_REQUIRED"
	ActionReady            NextAction = "READY"
	ActionAlreadyPurchased NextAction = "ALREADY_PURCHASED"
)

const (
	// FreePrefix marks content ids and transaction ids that never reached
	// the wallet.
	FreePrefix = "local_free_"

	DefaultInProgressWait  = 10 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultPurchaseTimeout = time.Minute
)

type Config struct {
	// InProgressWait bounds how long a request waits for another holder of
	// the same idempotency key before answering IN_PROGRESS.
	InProgressWait  time.Duration `yaml:"in_progress_wait"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PurchaseTimeout time.Duration `yaml:"purchase_timeout"`
}

type Registration struct {
	ContentID   string `json:"content_id"`
	Fingerprint string `json:"fingerprint"`
	PriceCents  int64  `json:"price_cents"`
	Free        bool   `json:"free"`
	Created     bool   `json:"created"`
}

type Decision struct {
	NextAction     NextAction `json:"next_action"`
	ContentID      string     `json:"content_id"`
	PriceCents     int64      `json:"price_cents"`
	BalanceCents   int64      `json:"balance_cents"`
	ShortfallCents int64      `json:"shortfall_cents,omitempty"`
	TransactionID  string     `json:"transaction_id,omitempty"`
}

type Request struct {
	Query          string
	SourceIDs      []string
	PriceCents     int64
	Title          string
	UserID         string
	IdempotencyKey string
}

type Outcome struct {
	State        State                  `json:"state"`
	NextAction   NextAction             `json:"next_action,omitempty"`
	Registration *Registration          `json:"registration,omitempty"`
	Decision     *Decision              `json:"decision,omitempty"`
	Record       *ledger.PurchaseRecord `json:"record,omitempty"`
	History      []Transition           `json:"history"`
}

type Orchestrator struct {
	ledger  *ledger.Ledger
	wallet  wallet.Wallet
	events  events.Publisher
	cfg     Config
	metrics *metrics.Collector
	logger  *slog.Logger
	flight  singleflight.Group
	now     func() time.Time
}

func New(l *ledger.Ledger, w wallet.Wallet, pub events.Publisher, cfg Config, m *metrics.Collector, logger *slog.Logger) *Orchestrator {
	if cfg.InProgressWait <= 0 {
		cfg.InProgressWait = DefaultInProgressWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PurchaseTimeout <= 0 {
		cfg.PurchaseTimeout = DefaultPurchaseTimeout
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ledger:  l,
		wallet:  w,
		events:  pub,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "purchase"),
		now:     time.Now,
	}
}

// DeriveKey builds an idempotency key from the caller, the operation and
// its parameters.
func DeriveKey(userID, operation string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(operation))
	for _, p := range params {
		h.Write([]byte{'|'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func requestHash(userID, contentID string, priceCents int64) string {
	return DeriveKey(userID, "purchase-request", contentID, strconv.FormatInt(priceCents, 10))
}

// RegisterForPurchase returns the permanent content id for the priced
// content described by query and sourceIDs. Free content is never
// registered with the wallet.
func (o *Orchestrator) RegisterForPurchase(ctx context.Context, query string, sourceIDs []string, priceCents int64) (*Registration, error) {
	return o.register(ctx, query, sourceIDs, priceCents, "")
}

func (o *Orchestrator) register(ctx context.Context, query string, sourceIDs []string, priceCents int64, title string) (*Registration, error) {
	normalized := fingerprint.NormalizeQuery(query)
	if normalized == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "query is required")
	}
	if err := fingerprint.Validate(sourceIDs, priceCents); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err.Error(), err)
	}
	fp := fingerprint.Compute(query, sourceIDs, priceCents)

	if priceCents == 0 {
		o.metrics.Registration("free")
		return &Registration{ContentID: FreePrefix + fp, Fingerprint: fp, Free: true}, nil
	}

	if title == "" {
		title = normalized
	}
	sorted := append([]string(nil), sourceIDs...)
	sort.Strings(sorted)
	meta := map[string]string{
		"fingerprint": fp,
		"query":       normalized,
		"source_ids":  strings.Join(sorted, ","),
	}

	reg, created, err := o.ledger.EnsureRegistration(ctx, fp, priceCents, func(ctx context.Context) (string, error) {
		return o.wallet.RegisterContent(ctx, title, priceCents, meta)
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "registration failed", "operation", "register", "fingerprint", fp, "error", err)
		return nil, classify(err, "content registration failed")
	}
	if created {
		o.logger.InfoContext(ctx, "content registered", "operation", "register", "outcome", "created",
			"fingerprint", fp, "content_id", reg.ContentID, "price_cents", priceCents)
	}
	return &Registration{
		ContentID:   reg.ContentID,
		Fingerprint: fp,
		PriceCents:  priceCents,
		Created:     created,
	}, nil
}

func (o *Orchestrator) registration(ctx context.Context, contentID string, priceCents int64) (*ledger.ContentRegistration, error) {
	reg, err := o.ledger.Registration(ctx, contentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "content is not registered", err)
	}
	if err != nil {
		return nil, classify(err, "registration lookup failed")
	}
	if reg.PriceCents != priceCents {
		return nil, apperr.New(apperr.KindInvalidRequest, "price does not match the registered price")
	}
	return reg, nil
}

// EvaluateCheckout decides what the user must do next to own contentID.
// It never charges.
func (o *Orchestrator) EvaluateCheckout(ctx context.Context, contentID string, priceCents int64, userID string) (*Decision, error) {
	if contentID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "content_id is required")
	}
	if userID == "" {
		return &Decision{NextAction: ActionAuthRequired, ContentID: contentID, PriceCents: priceCents}, nil
	}
	if strings.HasPrefix(contentID, FreePrefix) {
		if priceCents != 0 {
			return nil, apperr.New(apperr.KindInvalidRequest, "free content has no price")
		}
		return &Decision{NextAction: ActionReady, ContentID: contentID}, nil
	}
	if priceCents <= 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "price_cents must be positive for registered content")
	}
	if _, err := o.registration(ctx, contentID, priceCents); err != nil {
		return nil, err
	}

	d := &Decision{ContentID: contentID, PriceCents: priceCents}

	rec, err := o.ledger.PurchaseFor(ctx, userID, contentID)
	switch {
	case err == nil:
		d.NextAction = ActionAlreadyPurchased
		d.TransactionID = rec.TransactionID
		return d, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, classify(err, "purchase lookup failed")
	}

	var owned bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bal, err := o.wallet.GetBalance(gctx, userID)
		d.BalanceCents = bal
		return err
	})
	g.Go(func() error {
		ok, err := o.wallet.VerifyPurchase(gctx, userID, contentID)
		owned = ok
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, classify(err, "wallet unavailable")
	}

	switch {
	case owned:
		d.NextAction = ActionAlreadyPurchased
	case d.BalanceCents < priceCents:
		d.NextAction = ActionFundingRequired
		d.ShortfallCents = priceCents - d.BalanceCents
	default:
		d.NextAction = ActionReady
	}
	return d, nil
}

// CompletePurchase debits the wallet once per idempotency key and records
// the purchase. An empty key is derived from the user and the request.
// Concurrent calls with the same key share one execution in this process;
// across processes the durable claim decides and later callers receive the
// stored result.
func (o *Orchestrator) CompletePurchase(ctx context.Context, contentID string, priceCents int64, userID, key string) (*ledger.PurchaseRecord, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindAuthRequired, "sign in to purchase")
	}
	if contentID == "" || priceCents <= 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "content_id and a positive price_cents are required")
	}
	reg, err := o.registration(ctx, contentID, priceCents)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DeriveKey(userID, "purchase", contentID, strconv.FormatInt(priceCents, 10))
	}
	hash := requestHash(userID, contentID, priceCents)

	ch := o.flight.DoChan(key+"|"+hash, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PurchaseTimeout)
		defer cancel()
		return o.complete(wctx, reg, userID, key, hash)
	})
	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindInProgress, "purchase is still being processed", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec := *res.Val.(*ledger.PurchaseRecord)
		return &rec, nil
	}
}

// complete holds the (user, fingerprint) purchase lock from the history
// check through the debit, so two keys for the same content cannot both
// reach the wallet.
func (o *Orchestrator) complete(ctx context.Context, reg *ledger.ContentRegistration, userID, key, hash string) (*ledger.PurchaseRecord, error) {
	unlock, err := o.ledger.LockPurchase(ctx, userID, reg.Fingerprint)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindInProgress, "another purchase of this content is in progress", err)
		}
		return nil, classify(err, "purchase lock failed")
	}
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	existing, err := o.ledger.PurchaseOf(ctx, userID, reg.Fingerprint)
	if err == nil {
		o.metrics.Purchase("already_purchased")
		return existing, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, classify(err, "purchase lookup failed")
	}

	entry, claimed, err := o.ledger.Claim(ctx, key, hash)
	if err != nil {
		return nil, classify(err, "idempotency claim failed")
	}
	if !claimed {
		// The holder of this key may need the lock to finish.
		locked = false
		unlock()
		return o.replay(ctx, entry, key, hash)
	}
	return o.execute(ctx, reg, userID, key)
}

// replay answers from another holder's result, waiting while it is still
// PENDING.
func (o *Orchestrator) replay(ctx context.Context, entry *ledger.IdempotencyEntry, key, hash string) (*ledger.PurchaseRecord, error) {
	timeout := time.NewTimer(o.cfg.InProgressWait)
	defer timeout.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if entry.RequestHash != hash {
			return nil, apperr.New(apperr.KindIdempotencyConflict, "idempotency key was used for a different request")
		}
		switch entry.Status {
		case ledger.StatusCompleted:
			var rec ledger.PurchaseRecord
			if err := json.Unmarshal(entry.Response, &rec); err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, "stored purchase result is unreadable", err)
			}
			o.metrics.IdempotencyReplay()
			o.logger.InfoContext(ctx, "purchase replayed", "operation", "complete_purchase", "outcome", "replayed",
				"content_id", rec.ContentID, "transaction_id", rec.TransactionID)
			return &rec, nil
		case ledger.StatusFailed:
			return nil, decodeFailure(entry.Response)
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindInProgress, "purchase is still being processed", ctx.Err())
		case <-timeout.C:
			return nil, apperr.New(apperr.KindInProgress, "a purchase with this idempotency key is still in progress")
		case <-ticker.C:
		}

		next, err := o.ledger.Lookup(ctx, key)
		if err != nil {
			return nil, classify(err, "idempotency lookup failed")
		}
		entry = next
	}
}

func (o *Orchestrator) execute(ctx context.Context, reg *ledger.ContentRegistration, userID, key string) (*ledger.PurchaseRecord, error) {
	tx, err := o.wallet.CreatePurchase(ctx, userID, reg.ContentID, reg.PriceCents, key)
	if err != nil {
		ae := classify(err, "payment failed")
		o.fail(ctx, reg, userID, key, ae)
		return nil, ae
	}

	rec, created, err := o.ledger.RecordPurchase(ctx, ledger.PurchaseRecord{
		Fingerprint:   reg.Fingerprint,
		ContentID:     reg.ContentID,
		UserID:        userID,
		TransactionID: tx,
		PriceCents:    reg.PriceCents,
		PurchasedAt:   o.now().UTC(),
	})
	if err != nil {
		// The wallet is idempotent per key, so a retry with the same key
		// reuses this transaction.
		ae := apperr.Wrap(apperr.KindInternal, "purchase could not be recorded", err)
		o.fail(ctx, reg, userID, key, ae)
		return nil, ae
	}
	if !created && rec.TransactionID != tx {
		o.metrics.Purchase("duplicate_debit")
		o.logger.ErrorContext(ctx, "wallet debit has no purchase record", "operation", "complete_purchase",
			"outcome", "duplicate_debit", "content_id", rec.ContentID, "user_id", userID,
			"transaction_id", tx, "recorded_transaction_id", rec.TransactionID)
	}

	body, err := json.Marshal(rec)
	if err == nil {
		err = o.ledger.Complete(ctx, key, body)
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "idempotency result not stored", "operation", "complete_purchase",
			"content_id", rec.ContentID, "error", err)
	}

	o.metrics.Purchase("completed")
	o.logger.InfoContext(ctx, "purchase completed", "operation", "complete_purchase", "outcome", "completed",
		"content_id", rec.ContentID, "user_id", userID, "transaction_id", rec.TransactionID, "price_cents", rec.PriceCents)
	o.publish(ctx, events.Event{
		Type:          events.TypePurchaseCompleted,
		Fingerprint:   rec.Fingerprint,
		ContentID:     rec.ContentID,
		UserID:        userID,
		TransactionID: rec.TransactionID,
		PriceCents:    rec.PriceCents,
		OccurredAt:    rec.PurchasedAt,
	})
	return rec, nil
}

func (o *Orchestrator) fail(ctx context.Context, reg *ledger.ContentRegistration, userID, key string, ae *apperr.Error) {
	body, _ := json.Marshal(ae)
	if err := o.ledger.Fail(ctx, key, body); err != nil {
		o.logger.ErrorContext(ctx, "idempotency failure not stored", "operation", "complete_purchase", "error", err)
	}
	o.metrics.Purchase("failed")
	o.logger.WarnContext(ctx, "purchase failed", "operation", "complete_purchase", "outcome", string(ae.Kind),
		"content_id", reg.ContentID, "user_id", userID, "error", ae)
	o.publish(ctx, events.Event{
		Type:        events.TypePurchaseFailed,
		Fingerprint: reg.Fingerprint,
		ContentID:   reg.ContentID,
		UserID:      userID,
		PriceCents:  reg.PriceCents,
		Reason:      string(ae.Kind),
		OccurredAt:  o.now().UTC(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.WarnContext(ctx, "event not published", "operation", "publish", "type", e.Type, "error", err)
	}
}

// Checkout runs the whole state machine for one request. The returned
// Outcome is always non-nil and carries the transition history, also when
// err is set.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*Outcome, error) {
	m := NewMachine(o.now)
	out := &Outcome{}
	finish := func(err error) (*Outcome, error) {
		if err != nil {
			m.Fail(string(apperr.KindOf(err)))
		}
		out.State = m.State()
		out.History = m.History()
		return out, err
	}

	reg, err := o.register(ctx, req.Query, req.SourceIDs, req.PriceCents, req.Title)
	if err != nil {
		return finish(err)
	}
	out.Registration = reg

	if reg.Free {
		out.NextAction = ActionReady
		out.Record = &ledger.PurchaseRecord{
			Fingerprint:   reg.Fingerprint,
			ContentID:     reg.ContentID,
			UserID:        req.UserID,
			TransactionID: FreePrefix + uuid.NewString(),
			PurchasedAt:   o.now().UTC(),
		}
		return finish(m.To(StateComplete, "free content"))
	}

	if err := m.To(StateContentRegistered, ""); err != nil {
		return finish(err)
	}

	dec, err := o.EvaluateCheckout(ctx, reg.ContentID, reg.PriceCents, req.UserID)
	if err != nil {
		return finish(err)
	}
	out.Decision = dec
	out.NextAction = dec.NextAction
	if err := m.To(StateCheckoutEvaluated, ""); err != nil {
		return finish(err)
	}

	switch dec.NextAction {
	case ActionAuthRequired:
		return finish(m.To(StateAuthRequired, ""))
	case ActionFundingRequired:
		return finish(m.To(StateFundingRequired, ""))
	case ActionAlreadyPurchased:
		if rec, err := o.ledger.PurchaseFor(ctx, req.UserID, reg.ContentID); err == nil {
			out.Record = rec
		}
		return finish(m.To(StateComplete, "already purchased"))
	}

	if err := m.To(StateReady, ""); err != nil {
		return finish(err)
	}
	if err := m.To(StatePurchasing, ""); err != nil {
		return finish(err)
	}
	rec, err := o.CompletePurchase(ctx, reg.ContentID, reg.PriceCents, req.UserID, req.IdempotencyKey)
	if err != nil {
		if apperr.Is(err, apperr.KindInsufficientFunds) {
			out.NextAction = ActionFundingRequired
		}
		return finish(err)
	}
	out.Record = rec
	return finish(m.To(StateComplete, ""))
}

func decodeFailure(body []byte) *apperr.Error {
	var ae apperr.Error
	if err := json.Unmarshal(body, &ae); err != nil || ae.Kind == "" {
		return apperr.New(apperr.KindPaymentRejected, "previous attempt with this idempotency key failed")
	}
	return &ae
}

func classify(err error, msg string) *apperr.Error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return apperr.Wrap(apperr.KindInsufficientFunds, "insufficient balance", err)
	case errors.Is(err, wallet.ErrInvalidPrice):
		return apperr.Wrap(apperr.KindInvalidRequest, "price must be positive", err)
	case errors.Is(err, wallet.ErrRejected):
		return apperr.Wrap(apperr.KindPaymentRejected, msg, err)
	case errors.Is(err, protocols.ErrTransient),
		errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindTransientNetwork, msg, err)
	case errors.Is(err, ledger.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, msg, err)
	default:
		return apperr.Wrap(apperr.KindInternal, msg, err)
	}
}
