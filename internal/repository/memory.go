package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// MemoryStore implements every store contract in process memory. It backs
// STORAGE=memory and the service tests; conditional writes keep the same
// semantics as their SQL counterparts.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*models.PaymentIntent
	refunds  map[string]*models.Refund
	links    map[string]*models.ReferralLink
	stats    map[string]*models.ReferralStats
	tracking map[string]*models.ReferralTrackingRecord
	rates    map[string]*interfaces.ExchangeRate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*models.PaymentIntent),
		refunds:  make(map[string]*models.Refund),
		links:    make(map[string]*models.ReferralLink),
		stats:    make(map[string]*models.ReferralStats),
		tracking: make(map[string]*models.ReferralTrackingRecord),
		rates:    make(map[string]*interfaces.ExchangeRate),
	}
}

var (
	_ interfaces.PaymentRepository  = (*MemoryStore)(nil)
	_ interfaces.ReferralRepository = (*MemoryStore)(nil)
	_ interfaces.RateStore          = (*MemoryStore)(nil)
)

func copyPayment(p *models.PaymentIntent) *models.PaymentIntent {
	c := *p
	c.Metadata = copyMap(p.Metadata)
	return &c
}

func copyRefund(r *models.Refund) *models.Refund {
	c := *r
	c.Metadata = copyMap(r.Metadata)
	return &c
}

func copyTracking(r *models.ReferralTrackingRecord) *models.ReferralTrackingRecord {
	c := *r
	if r.ConsumedAt != nil {
		t := *r.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (s *MemoryStore) CreatePayment(_ context.Context, p *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return models.ErrConflict
	}
	for _, existing := range s.payments {
		if p.IdempotencyKey != "" && existing.IdempotencyKey == p.IdempotencyKey {
			return models.ErrConflict
		}
		if p.ProviderPaymentID != "" && existing.Provider == p.Provider && existing.ProviderPaymentID == p.ProviderPaymentID {
			return models.ErrConflict
		}
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.payments[p.ID] = copyPayment(p)
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok {
		return copyPayment(p), nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) GetPaymentByExternalID(_ context.Context, provider models.Provider, externalID string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Provider == provider && p.ProviderPaymentID == externalID {
			return copyPayment(p), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) GetPaymentByIdempotencyKey(_ context.Context, key string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if key != "" && p.IdempotencyKey == key {
			return copyPayment(p), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id string, from, to models.PaymentStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != from {
		return 0, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (s *MemoryStore) CreateRefund(_ context.Context, r *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[r.ID]; ok {
		return models.ErrConflict
	}
	if r.ProviderRefundID != "" {
		for _, existing := range s.refunds {
			if existing.ProviderRefundID == r.ProviderRefundID {
				return models.ErrConflict
			}
		}
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.refunds[r.ID] = copyRefund(r)
	return nil
}

func (s *MemoryStore) GetRefundByExternalID(_ context.Context, externalID string) (*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if externalID != "" && r.ProviderRefundID == externalID {
			return copyRefund(r), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) ListRefunds(_ context.Context, paymentID string) ([]*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Refund
	for _, r := range s.refunds {
		if r.PaymentIntentID == paymentID {
			out = append(out, copyRefund(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionRefundStatus(_ context.Context, id string, from, to models.RefundStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok || r.Status != from {
		return 0, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (s *MemoryStore) CreateLink(_ context.Context, link *models.ReferralLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.links {
		if existing.ID == link.ID || existing.ReferralCode == link.ReferralCode {
			return models.ErrConflict
		}
	}
	link.CreatedAt = time.Now().UTC()
	c := *link
	s.links[link.ID] = &c
	s.stats[link.ID] = &models.ReferralStats{ReferralLinkID: link.ID, UpdatedAt: link.CreatedAt}
	return nil
}

func (s *MemoryStore) GetLinkByCode(_ context.Context, code string) (*models.ReferralLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.ReferralCode == code {
			c := *l
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) GetLink(_ context.Context, id string) (*models.ReferralLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[id]; ok {
		c := *l
		return &c, nil
	}
	return nil, models.ErrNotFound
}

// SetLinkActive toggles a link. It exists for local administration and tests.
func (s *MemoryStore) SetLinkActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[id]; ok {
		l.IsActive = active
	}
}

func (s *MemoryStore) GetStats(_ context.Context, linkID string) (*models.ReferralStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[linkID]; ok {
		c := *st
		return &c, nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) InsertTrackingRecord(_ context.Context, rec *models.ReferralTrackingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracking[rec.CookieValue]; ok {
		return models.ErrConflict
	}
	s.tracking[rec.CookieValue] = copyTracking(rec)
	return nil
}

func (s *MemoryStore) GetTrackingRecord(_ context.Context, cookieValue string) (*models.ReferralTrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tracking[cookieValue]; ok {
		return copyTracking(rec), nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) ClaimTrackingRecord(_ context.Context, cookieValue, paymentIntentID string, now time.Time) (*models.ReferralTrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tracking[cookieValue]
	if !ok || rec.ConsumedAt != nil || !rec.ExpiresAt.After(now) {
		return nil, models.ErrNotFound
	}
	consumed := now
	rec.ConsumedAt = &consumed
	rec.PaymentIntentID = paymentIntentID
	return copyTracking(rec), nil
}

// CountTrackingRecords returns how many tracking records exist for a link.
func (s *MemoryStore) CountTrackingRecords(linkID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.tracking {
		if rec.ReferralLinkID == linkID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) IncrementClickCount(_ context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[linkID]
	if !ok {
		return models.ErrNotFound
	}
	st.ClickCount++
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordConversion(_ context.Context, linkID string, commission int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[linkID]
	if !ok {
		return models.ErrNotFound
	}
	st.PurchaseCount++
	st.TotalEarned += commission
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRate(_ context.Context, base, quote string) (*interfaces.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rates[base+"/"+quote]; ok {
		c := *r
		return &c, nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryStore) SaveRate(_ context.Context, rate *interfaces.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rate
	s.rates[rate.Base+"/"+rate.Quote] = &c
	return nil
}
