package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/repository"
	"github.com/semesterpass/backend/pkg/payment"
)

// memDB is an in-memory stand-in for the Postgres schema. It enforces the
// same constraints the repositories rely on: one active subscription per
// (user, semester), unique external ids and idempotent offer redemption.
type memDB struct {
	mu          sync.Mutex
	now         func() time.Time
	users       map[string]*domain.User
	subs        map[string]*domain.Subscription
	offers      map[string]*domain.Offer
	redemptions map[string]*redemption
	events      map[string]string
	eventTypes  map[string]string

	// writeErr, when set, fails every subscription write.
	writeErr error
}

func newMemDB(now func() time.Time) *memDB {
	return &memDB{
		now:         now,
		users:       map[string]*domain.User{},
		subs:        map[string]*domain.Subscription{},
		offers:      map[string]*domain.Offer{},
		redemptions: map[string]*redemption{},
		events:      map[string]string{},
		eventTypes:  map[string]string{},
	}
}

func cloneSub(s *domain.Subscription) *domain.Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.Features = append([]string(nil), s.Features...)
	return &c
}

func (db *memDB) activeConflict(userID string, semester int, exceptID string) bool {
	for _, s := range db.subs {
		if s.ID != exceptID && s.UserID == userID && s.Semester == semester && s.Status == domain.StatusActive {
			return true
		}
	}
	return false
}

func (db *memDB) byExternalID(id string) *domain.Subscription {
	for _, s := range db.subs {
		if s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID == id {
			return s
		}
	}
	return nil
}

type redemption struct {
	offerID        string
	subscriptionID string
}

// redeem mirrors redeemOffer: an existing reference only gets its
// subscription linked, ErrOfferUnavailable when the offer has no capacity left.
func (db *memDB) redeem(offerID, reference, subID string) error {
	if r, done := db.redemptions[reference]; done {
		if r.subscriptionID == "" {
			r.subscriptionID = subID
		}
		return nil
	}
	o := db.offers[offerID]
	now := db.now()
	if o == nil || !o.Active || !o.HasCapacity() || now.Before(o.ValidFrom) || now.After(o.ValidUntil) {
		return repository.ErrOfferUnavailable
	}
	o.UsageCount++
	db.redemptions[reference] = &redemption{offerID: offerID, subscriptionID: subID}
	return nil
}

type memSubs struct{ db *memDB }

func (m memSubs) Create(ctx context.Context, sub *domain.Subscription) error {
	db := m.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeErr != nil {
		return db.writeErr
	}
	if sub.Status == domain.StatusActive && db.activeConflict(sub.UserID, sub.Semester, sub.ID) {
		return repository.ErrActiveSubscriptionExists
	}
	if sub.OfferID != nil {
		if err := db.redeem(*sub.OfferID, sub.ID, sub.ID); err != nil {
			return err
		}
	}
	db.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m memSubs) RecordCheckout(ctx context.Context, sub *domain.Subscription, reference string) (*domain.Subscription, bool, error) {
	db := m.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeErr != nil {
		return nil, false, db.writeErr
	}

	stored := db.byExternalID(*sub.ExternalSubscriptionID)
	if stored != nil {
		if stored.Status == domain.StatusPending && sub.Status == domain.StatusActive &&
			db.activeConflict(stored.UserID, stored.Semester, stored.ID) {
			return nil, false, repository.ErrActiveSubscriptionExists
		}
		if sub.PaymentID != "" {
			stored.PaymentID = sub.PaymentID
		}
		if sub.PaymentMethod != "" {
			stored.PaymentMethod = sub.PaymentMethod
		}
		if stored.OfferID == nil {
			stored.OfferID = sub.OfferID
		}
		if stored.Status == domain.StatusPending {
			stored.Status = sub.Status
			stored.StartDate = sub.StartDate
			stored.EndDate = sub.EndDate
		}
		if sub.LastEventAt != nil && (stored.LastEventAt == nil || sub.LastEventAt.After(*stored.LastEventAt)) {
			at := *sub.LastEventAt
			stored.LastEventAt = &at
		}
	} else {
		if sub.Status == domain.StatusActive && db.activeConflict(sub.UserID, sub.Semester, sub.ID) {
			return nil, false, repository.ErrActiveSubscriptionExists
		}
		stored = cloneSub(sub)
		db.subs[stored.ID] = stored
	}

	if reference == "" {
		reference = stored.ID
	}
	overflow := false
	if stored.OfferID != nil {
		if err := db.redeem(*stored.OfferID, reference, stored.ID); err != nil {
			overflow = true
		}
	}
	return cloneSub(stored), overflow, nil
}

func (m memSubs) InsertFromGateway(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, bool, error) {
	db := m.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeErr != nil {
		return nil, false, db.writeErr
	}
	if existing := db.byExternalID(*sub.ExternalSubscriptionID); existing != nil {
		return cloneSub(existing), false, nil
	}
	if sub.Status == domain.StatusActive && db.activeConflict(sub.UserID, sub.Semester, sub.ID) {
		return nil, false, repository.ErrActiveSubscriptionExists
	}
	stored := cloneSub(sub)
	at := eventAt
	if stored.Status == domain.StatusCancelled {
		stored.CancelledAt = &at
	}
	stored.LastEventAt = &at
	db.subs[stored.ID] = stored
	return cloneSub(stored), true, nil
}

func (m memSubs) UpsertFromGateway(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, bool, error) {
	db := m.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeErr != nil {
		return nil, false, db.writeErr
	}

	existing := db.byExternalID(*sub.ExternalSubscriptionID)
	if existing != nil && existing.LastEventAt != nil && existing.LastEventAt.After(eventAt) {
		return cloneSub(existing), false, nil
	}
	if existing != nil && sub.Status == domain.StatusPending && existing.Status != domain.StatusPending {
		return cloneSub(existing), false, nil
	}
	exceptID := sub.ID
	if existing != nil {
		exceptID = existing.ID
	}
	if sub.Status == domain.StatusActive && db.activeConflict(sub.UserID, sub.Semester, exceptID) {
		return nil, false, repository.ErrActiveSubscriptionExists
	}

	at := eventAt
	if existing == nil {
		existing = cloneSub(sub)
		db.subs[existing.ID] = existing
	} else {
		existing.Status = sub.Status
		existing.StartDate = sub.StartDate
		existing.EndDate = sub.EndDate
		existing.ExternalCustomerID = sub.ExternalCustomerID
	}
	if existing.Status == domain.StatusCancelled && existing.CancelledAt == nil {
		existing.CancelledAt = &at
	}
	existing.LastEventAt = &at
	return cloneSub(existing), true, nil
}

func (m memSubs) ApplyGatewayStatus(ctx context.Context, externalID, status, paymentID string, eventAt time.Time) (*domain.Subscription, bool, error) {
	db := m.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeErr != nil {
		return nil, false, db.writeErr
	}

	s := db.byExternalID(externalID)
	if s == nil {
		return nil, false, nil
	}
	if s.LastEventAt != nil && s.LastEventAt.After(eventAt) {
		return cloneSub(s), false, nil
	}
	if status == domain.StatusActive && db.activeConflict(s.UserID, s.Semester, s.ID) {
		return nil, false, repository.ErrActiveSubscriptionExists
	}

	at := eventAt
	s.Status = status
	if paymentID != "" {
		s.PaymentID = paymentID
	}
	switch status {
	case domain.StatusCancelled:
		if s.CancelledAt == nil {
			s.CancelledAt = &at
		}
	case domain.StatusActive:
		s.LastPaymentDate = &at
	case domain.StatusPastDue:
		s.LastPaymentFailed = &at
	}
	s.LastEventAt = &at
	return cloneSub(s), true, nil
}

func (m memSubs) UpdateStatus(ctx context.Context, id, status string, at time.Time) (*domain.Subscription, error) {
	db := m.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeErr != nil {
		return nil, db.writeErr
	}

	s := db.subs[id]
	if s == nil {
		return nil, nil
	}
	if status == domain.StatusActive && db.activeConflict(s.UserID, s.Semester, s.ID) {
		return nil, repository.ErrActiveSubscriptionExists
	}
	s.Status = status
	if status == domain.StatusCancelled && s.CancelledAt == nil {
		s.CancelledAt = &at
	}
	s.UpdatedAt = at
	return cloneSub(s), nil
}

func (m memSubs) FindByID(ctx context.Context, id string) (*domain.Subscription, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return cloneSub(m.db.subs[id]), nil
}

func (m memSubs) FindByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return cloneSub(m.db.byExternalID(externalID)), nil
}

func (m memSubs) FindActive(ctx context.Context, userID string, semester int, now time.Time) (*domain.Subscription, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, s := range m.db.subs {
		if s.UserID == userID && s.Semester == semester && s.Status == domain.StatusActive && s.EndDate.After(now) {
			return cloneSub(s), nil
		}
	}
	return nil, nil
}

func (m memSubs) ListByUser(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := []*domain.Subscription{}
	for _, s := range m.db.subs {
		if s.UserID == userID {
			out = append(out, cloneSub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m memSubs) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var users []string
	for _, s := range m.db.subs {
		if s.Status == domain.StatusActive && !s.EndDate.After(now) {
			s.Status = domain.StatusExpired
			users = append(users, s.UserID)
		}
	}
	return users, nil
}

func (m memSubs) count() int {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return len(m.db.subs)
}

type memUsers struct{ db *memDB }

func (m memUsers) FindByID(ctx context.Context, id string) (*domain.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u := m.db.users[id]
	if u == nil {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (m memUsers) FindByExternalCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if u.ExternalCustomerID != nil && *u.ExternalCustomerID == customerID {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m memUsers) SetExternalCustomerID(ctx context.Context, userID, customerID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if u := m.db.users[userID]; u != nil && u.ExternalCustomerID == nil {
		id := customerID
		u.ExternalCustomerID = &id
	}
	return nil
}

func (m memUsers) RefreshSubscription(ctx context.Context, userID string, now time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u := m.db.users[userID]
	if u == nil {
		return nil
	}
	var best *domain.Subscription
	for _, s := range m.db.subs {
		if s.UserID != userID || s.Status != domain.StatusActive || !s.EndDate.After(now) {
			continue
		}
		switch {
		case best == nil:
			best = s
		case (s.Semester == u.Semester) != (best.Semester == u.Semester):
			if s.Semester == u.Semester {
				best = s
			}
		case s.EndDate.After(best.EndDate):
			best = s
		}
	}
	u.HasActiveSubscription = best != nil
	u.SubscriptionID = nil
	if best != nil {
		id := best.ID
		u.SubscriptionID = &id
	}
	return nil
}

type memOffers struct{ db *memDB }

func (m memOffers) FindByID(ctx context.Context, id string) (*domain.Offer, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	o := m.db.offers[id]
	if o == nil {
		return nil, nil
	}
	c := *o
	return &c, nil
}

func (m memOffers) ListCandidates(ctx context.Context, subscriptionType string, now time.Time) ([]*domain.Offer, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*domain.Offer
	for _, o := range m.db.offers {
		if o.Active && o.SubscriptionType == subscriptionType && !now.Before(o.ValidFrom) && !now.After(o.ValidUntil) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m memOffers) Reserve(ctx context.Context, offerID, reference string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.redeem(offerID, reference, "")
}

func (m memOffers) Release(ctx context.Context, reference string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.redemptions[reference]
	if !ok || r.subscriptionID != "" {
		return false, nil
	}
	delete(m.db.redemptions, reference)
	if o := m.db.offers[r.offerID]; o != nil && o.UsageCount > 0 {
		o.UsageCount--
	}
	return true, nil
}

type memLedger struct{ db *memDB }

func (m memLedger) IsProcessed(ctx context.Context, id string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	_, ok := m.db.events[id]
	return ok, nil
}

func (m memLedger) MarkProcessed(ctx context.Context, id, eventType, payload string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.events[id]; !ok {
		m.db.events[id] = payload
		m.db.eventTypes[id] = eventType
	}
	return nil
}

func (m memLedger) Find(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	payload, ok := m.db.events[id]
	if !ok {
		return nil, nil
	}
	return &domain.LedgerEntry{ID: id, Type: m.db.eventTypes[id], ProcessedAt: m.db.now(), Sealed: payload}, nil
}

type publishedEvent struct {
	exchange, routingKey string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey})
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.routingKey
	}
	return out
}

// recordingGateway is a LocalGateway that remembers cancellations.
type recordingGateway struct {
	*payment.LocalGateway
	mu        sync.Mutex
	cancelled []string
}

func (g *recordingGateway) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, externalSubscriptionID)
	g.mu.Unlock()
	return g.LocalGateway.CancelSubscription(ctx, externalSubscriptionID)
}

func (g *recordingGateway) wasCancelled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.cancelled {
		if c == id {
			return true
		}
	}
	return false
}

// failingGateway is a LocalGateway whose cancel call always fails.
type failingGateway struct {
	*payment.LocalGateway
	err error
}

func (g *failingGateway) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	return g.err
}

const webhookSecret = "whsec_test"

// harness wires every service against one memDB and a controllable clock.
type harness struct {
	now       time.Time
	db        *memDB
	subStore  memSubs
	gateway   *payment.LocalGateway
	billing   *recordingGateway
	publisher *recordingPublisher
	pricing   *PricingService
	subs      *SubscriptionService
	checkout  *CheckoutService
	processor *WebhookProcessor
	gate      *AccessGate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Now().UTC().Truncate(time.Second)}
	clock := func() time.Time { return h.now }

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.db = newMemDB(clock)
	h.subStore = memSubs{h.db}
	users := memUsers{h.db}
	h.gateway = payment.NewLocalGateway(webhookSecret, "")
	h.billing = &recordingGateway{LocalGateway: h.gateway}
	h.publisher = &recordingPublisher{}

	h.pricing = NewPricingService(memOffers{h.db}, clock, logger)
	h.subs = NewSubscriptionService(h.subStore, users, h.pricing, h.billing, h.publisher, clock, logger)
	h.checkout = NewCheckoutService(h.subStore, users, h.pricing, h.billing, "https://app.example/ok", "https://app.example/cancel", clock, logger)
	h.processor = NewWebhookProcessor(h.gateway, h.subs, memLedger{h.db}, nil, logger)
	h.gate = NewAccessGate(h.subStore, users, clock)
	return h
}

func (h *harness) addUser(id string, semester int) *domain.User {
	u := &domain.User{ID: id, Email: id + "@example.com", Role: "user", Branch: "cse", Semester: semester}
	h.db.mu.Lock()
	h.db.users[id] = u
	h.db.mu.Unlock()
	return u
}

func (h *harness) user(id string) domain.User {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return *h.db.users[id]
}

func (h *harness) addOffer(o *domain.Offer) {
	h.db.mu.Lock()
	h.db.offers[o.ID] = o
	h.db.mu.Unlock()
}

func (h *harness) offerUsage(id string) int {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return h.db.offers[id].UsageCount
}

// deliver signs an event with the gateway secret and runs it through the processor.
func (h *harness) deliver(t *testing.T, eventType string, object map[string]any, created time.Time) (*WebhookResult, error) {
	t.Helper()
	body, sig, err := h.gateway.SignedEvent(eventType, object, created)
	if err != nil {
		t.Fatalf("sign event: %v", err)
	}
	return h.processor.Process(context.Background(), body, sig)
}

// deliverBody re-delivers an exact body, as a gateway retry would.
func (h *harness) deliverBody(body []byte, created time.Time) (*WebhookResult, error) {
	return h.processor.Process(context.Background(), body, payment.Sign(body, webhookSecret, created))
}
