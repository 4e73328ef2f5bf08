package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/payments"
	"github.com/projectmart/backend/internal/policy"
	"github.com/projectmart/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory doubles. Writes apply immediately; tests only roll back on paths
// that fail before the first write.
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- shared in-memory database ---

type memDB struct {
	mu        sync.Mutex
	purchases map[uuid.UUID]*models.Purchase
	listings  map[uuid.UUID]*models.Listing
	users     map[uuid.UUID]*models.User
	audit     []*models.AuditEntry
	events    map[string]bool
}

func newMemDB() *memDB {
	return &memDB{
		purchases: make(map[uuid.UUID]*models.Purchase),
		listings:  make(map[uuid.UUID]*models.Listing),
		users:     make(map[uuid.UUID]*models.User),
		events:    make(map[string]bool),
	}
}

func (db *memDB) purchase(id uuid.UUID) models.Purchase {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.purchases[id]
}

func (db *memDB) user(id uuid.UUID) models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.users[id]
}

func (db *memDB) auditActions(purchaseID uuid.UUID) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, e := range db.audit {
		if e.PurchaseID == purchaseID {
			out = append(out, e.Action)
		}
	}
	return out
}

func (db *memDB) auditEntries(purchaseID uuid.UUID, action string) []*models.AuditEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range db.audit {
		if e.PurchaseID == purchaseID && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// --- PurchaseStore ---

type memPurchases struct{ db *memDB }

func (m memPurchases) get(id uuid.UUID) (*models.Purchase, error) {
	p, ok := m.db.purchases[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memPurchases) GetByID(_ context.Context, id uuid.UUID) (*models.Purchase, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.get(id)
}

func (m memPurchases) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Purchase, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.get(id)
}

func (m memPurchases) GetCheckoutContextForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.CheckoutContext, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	l := m.db.listings[p.ListingID]
	s := m.db.users[p.SellerID]
	return &models.CheckoutContext{Purchase: *p, DeliveryMethod: l.DeliveryMethod, ScanStatus: l.ScanStatus, Seller: *s}, nil
}

func (m memPurchases) ApplyCapture(_ context.Context, _ pgx.Tx, id uuid.UUID, u repository.CaptureUpdate) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.Status != models.PurchasePending || p.EscrowStatus != "" {
		return repository.ErrStale
	}
	p.Status = models.PurchaseCompleted
	if p.PaymentCaptureID == nil && u.CaptureRef != "" {
		ref := u.CaptureRef
		p.PaymentCaptureID = &ref
	}
	p.EscrowStatus = u.EscrowStatus
	p.EscrowExpiresAt = u.EscrowExpiresAt
	p.EscrowReleasedAt = u.EscrowReleasedAt
	return nil
}

func (m memPurchases) MarkFailed(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.Status != models.PurchasePending {
		return repository.ErrStale
	}
	p.Status = models.PurchaseFailed
	return nil
}

func (m memPurchases) MarkReleased(_ context.Context, _ pgx.Tx, id uuid.UUID, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.EscrowStatus != models.EscrowHolding {
		return repository.ErrStale
	}
	p.EscrowStatus = models.EscrowReleased
	p.EscrowReleasedAt = &at
	return nil
}

func (m memPurchases) SetTransferID(_ context.Context, _ pgx.Tx, id uuid.UUID, transferID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.TransferID != nil {
		return repository.ErrStale
	}
	p.TransferID = &transferID
	return nil
}

func (m memPurchases) MarkDisputed(_ context.Context, _ pgx.Tx, id uuid.UUID, reason string, notes *string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.EscrowStatus != models.EscrowHolding {
		return repository.ErrStale
	}
	p.EscrowStatus = models.EscrowDisputed
	p.DisputeReason = &reason
	p.DisputeNotes = notes
	p.DisputedAt = &at
	return nil
}

func (m memPurchases) ClaimResolution(_ context.Context, _ pgx.Tx, id, claimID uuid.UUID, at, staleBefore time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.EscrowStatus != models.EscrowDisputed {
		return repository.ErrStale
	}
	if p.ResolutionClaimID != nil && !p.ResolutionClaimedAt.Before(staleBefore) {
		return repository.ErrStale
	}
	p.ResolutionClaimID = &claimID
	p.ResolutionClaimedAt = &at
	return nil
}

func (m memPurchases) ReleaseClaim(_ context.Context, _ pgx.Tx, id, claimID uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.EscrowStatus != models.EscrowDisputed || p.ResolutionClaimID == nil || *p.ResolutionClaimID != claimID {
		return repository.ErrStale
	}
	p.ResolutionClaimID = nil
	p.ResolutionClaimedAt = nil
	return nil
}

func (m memPurchases) ApplyResolution(_ context.Context, _ pgx.Tx, id uuid.UUID, u repository.ResolutionUpdate) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	p := m.db.purchases[id]
	if p.EscrowStatus != models.EscrowDisputed || p.ResolutionClaimID == nil || *p.ResolutionClaimID != u.ClaimID {
		return repository.ErrStale
	}
	p.ResolutionClaimID = nil
	p.ResolutionClaimedAt = nil
	p.EscrowStatus = u.EscrowStatus
	if p.TransferID == nil {
		p.TransferID = u.TransferID
	}
	if p.RefundID == nil {
		p.RefundID = u.RefundID
	}
	p.RefundedAmountCents = u.RefundedCents
	if u.EscrowStatus == models.EscrowReleased {
		at := u.ResolvedAt
		p.EscrowReleasedAt = &at
	}
	resolvedAt, resolvedBy, resolution := u.ResolvedAt, u.ResolvedBy, u.Resolution
	p.ResolvedAt = &resolvedAt
	p.ResolvedBy = &resolvedBy
	p.Resolution = &resolution
	return nil
}

func (m memPurchases) ListExpiredHolding(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var ids []uuid.UUID
	for id, p := range m.db.purchases {
		if p.EscrowStatus == models.EscrowHolding && p.EscrowExpiresAt != nil && !p.EscrowExpiresAt.After(now) {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// failingResolution loses the connection when the outcome is written.
type failingResolution struct{ memPurchases }

func (failingResolution) ApplyResolution(context.Context, pgx.Tx, uuid.UUID, repository.ResolutionUpdate) error {
	return errors.New("connection reset")
}

// --- UserStore ---

type memUsers struct{ db *memDB }

func (m memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) IncrementSales(_ context.Context, _ pgx.Tx, id uuid.UUID) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.TotalSales++
	return u.TotalSales, nil
}

func (m memUsers) IncrementPurchases(_ context.Context, _ pgx.Tx, id uuid.UUID) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.TotalPurchases++
	return u.TotalPurchases, nil
}

func (m memUsers) SetSellerTier(_ context.Context, _ pgx.Tx, id uuid.UUID, tier models.TrustTier) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.users[id].SellerTier = tier
	return nil
}

func (m memUsers) SetBuyerTier(_ context.Context, _ pgx.Tx, id uuid.UUID, tier models.TrustTier) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.users[id].BuyerTier = tier
	return nil
}

func (m memUsers) UpdatePayoutFlags(_ context.Context, acct string, payouts, charges bool) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if u.PayoutAccountID == acct {
			u.PayoutsEnabled = payouts
			u.ChargesEnabled = charges
			return nil
		}
	}
	return repository.ErrNotFound
}

// --- AuditStore / EventStore / ListingStore ---

type memAudit struct{ db *memDB }

func (m memAudit) AppendTx(_ context.Context, _ pgx.Tx, e *models.AuditEntry) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	cp := *e
	cp.ID = uuid.New()
	m.db.audit = append(m.db.audit, &cp)
	return nil
}

func (m memAudit) ListByPurchase(_ context.Context, id uuid.UUID) ([]*models.AuditEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range m.db.audit {
		if e.PurchaseID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type memEvents struct{ db *memDB }

func (m memEvents) Reserve(_ context.Context, _ pgx.Tx, eventID, _ string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.events[eventID] {
		return repository.ErrDuplicateEvent
	}
	m.db.events[eventID] = true
	return nil
}

type memListings struct{ db *memDB }

func (m memListings) UpdateScan(_ context.Context, id uuid.UUID, status models.ScanStatus, detections, engines int, hash string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	l, ok := m.db.listings[id]
	if !ok {
		return repository.ErrNotFound
	}
	l.ScanStatus = status
	l.ScanDetections = detections
	l.ScanEngines = engines
	l.ScanHash = &hash
	l.ScannedAt = &at
	return nil
}

// --- processor: records calls and can be told to fail ---

var errProcessorDown = errors.New("processor unavailable")

type fakeProcessor struct {
	mu          sync.Mutex
	transfers   []payments.TransferParams
	refunds     []payments.RefundParams
	failRefund  bool
	failPayout  bool
	transferSeq int
	refundSeq   int
}

func (f *fakeProcessor) ChargeForPayment(_ context.Context, ref string) (string, error) {
	return "ch_" + ref, nil
}

func (f *fakeProcessor) CreateTransfer(_ context.Context, p payments.TransferParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPayout {
		return "", &payments.ProcessorError{StatusCode: 500, Type: "api_error", Message: errProcessorDown.Error()}
	}
	f.transfers = append(f.transfers, p)
	f.transferSeq++
	return fmt.Sprintf("tr_%d", f.transferSeq), nil
}

func (f *fakeProcessor) CreateRefund(_ context.Context, p payments.RefundParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefund {
		return "", errProcessorDown
	}
	f.refunds = append(f.refunds, p)
	f.refundSeq++
	return fmt.Sprintf("re_%d", f.refundSeq), nil
}

func (f *fakeProcessor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers) + len(f.refunds)
}

// --- notifier ---

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	failKind string
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if msg.Kind == n.failKind {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[string]int{}
	for _, m := range n.sent {
		out[m.Kind]++
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	db       *memDB
	proc     *fakeProcessor
	notifier *recordingNotifier
	clock    *clock
	svc      *EscrowService
	seller   uuid.UUID
	buyer    uuid.UUID
	admin    uuid.UUID
}

func newFixture() *fixture {
	db := newMemDB()
	proc := &fakeProcessor{}
	notifier := &recordingNotifier{}
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fees := policy.FeeSchedule{Rate: policy.DefaultFeeRate}

	f := &fixture{
		db: db, proc: proc, notifier: notifier, clock: clk,
		seller: uuid.New(), buyer: uuid.New(), admin: uuid.New(),
	}
	db.users[f.seller] = &models.User{
		ID: f.seller, Email: "seller@example.com", TotalSales: 5, SellerTier: models.TierVerified,
		PayoutAccountID: "acct_seller", PayoutsEnabled: true, ChargesEnabled: true,
	}
	db.users[f.buyer] = &models.User{ID: f.buyer, Email: "buyer@example.com", SellerTier: models.TierNew, BuyerTier: models.TierNew}

	f.svc = &EscrowService{
		Pool:            mockPool{},
		Purchases:       memPurchases{db},
		Users:           memUsers{db},
		Audit:           memAudit{db},
		Events:          memEvents{db},
		Payments:        payments.NewOrchestrator(proc, fees, "usd", nil),
		Notifier:        notifier,
		Fees:            fees,
		HighValueCents:  policy.DefaultHighValueCents,
		AdminAlertEmail: "ops@example.com",
		Now:             clk.Now,
	}
	return f
}

// addPurchase stores a pending purchase of amount cents for a listing with the
// given delivery method and scan status.
func (f *fixture) addPurchase(method models.DeliveryMethod, scan models.ScanStatus, amount int64) uuid.UUID {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	listing := &models.Listing{ID: uuid.New(), SellerID: f.seller, PriceCents: amount, DeliveryMethod: method, ScanStatus: scan}
	f.db.listings[listing.ID] = listing
	buyer := f.buyer
	p := &models.Purchase{
		ID: uuid.New(), BuyerID: &buyer, BuyerEmail: "buyer@example.com", SellerID: f.seller, ListingID: listing.ID,
		Status: models.PurchasePending, AmountPaidCents: amount,
		SellerAmountCents: f.svc.Fees.SellerNet(amount), Currency: "usd",
	}
	f.db.purchases[p.ID] = p
	return p.ID
}

// disputed returns a purchase already moved to DISPUTED through the public API.
func (f *fixture) disputed(amount int64) uuid.UUID {
	id := f.addPurchase(models.DeliveryManualTransfer, models.ScanClean, amount)
	if _, err := f.svc.CompleteCheckout(context.Background(), "evt_"+id.String(), id, "pi_"+id.String()[:8]); err != nil {
		panic(err)
	}
	if _, err := f.svc.OpenDispute(context.Background(), OpenDisputeRequest{PurchaseID: id, BuyerID: f.buyer, Reason: "not as described"}); err != nil {
		panic(err)
	}
	return id
}
