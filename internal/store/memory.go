// Package store holds the claim, denial and remittance aggregates in memory
// with optional write-through persistence.
//
// Committed aggregates are never mutated. Updates run on a private copy under
// a per-aggregate mutex and replace the committed pointer on success, so
// readers see either the previous or the next version, never a partial write.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/domain/denial"
	"github.com/drfirst/go-rcm/internal/domain/remittance"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Persister receives every committed change before it becomes visible.
// An error aborts the change.
type Persister interface {
	SaveClaim(ctx context.Context, c *claim.Claim, events []*claim.Event) error
	SaveDenial(ctx context.Context, d *denial.Denial) error
	SaveRemittance(ctx context.Context, a *remittance.Advice) error
}

// ClaimFilter narrows ListClaims. Zero values match everything.
type ClaimFilter struct {
	PatientID   string
	PayerID     string
	ProviderID  string
	Status      claim.Status
	ServiceFrom time.Time
	ServiceTo   time.Time
	Offset      int
	Limit       int
}

func (f ClaimFilter) matches(c *claim.Claim) bool {
	if f.PatientID != "" && c.Patient.ID != f.PatientID {
		return false
	}
	if f.PayerID != "" && c.Payer.ID != f.PayerID {
		return false
	}
	if f.ProviderID != "" && c.Provider.ID != f.ProviderID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if !f.ServiceFrom.IsZero() && c.ServiceFrom.Before(f.ServiceFrom) {
		return false
	}
	if !f.ServiceTo.IsZero() && c.ServiceFrom.After(f.ServiceTo) {
		return false
	}
	return true
}

// Memory is the in-memory aggregate store
type Memory struct {
	mu sync.RWMutex

	claims     map[string]*claim.Claim
	byNumber   map[string]string
	claimLocks map[string]*sync.Mutex

	denials      map[string]*denial.Denial
	openByClaim  map[string]string
	byPosting    map[string]string
	denialLocks  map[string]*sync.Mutex
	denialCreate sync.Mutex

	remittances map[string]*remittance.Advice

	seq       int64
	persister Persister
	logger    *zap.Logger
}

// Option configures a Memory store
type Option func(*Memory)

// WithPersister enables write-through persistence
func WithPersister(p Persister) Option {
	return func(m *Memory) { m.persister = p }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates an empty store
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		claims:      make(map[string]*claim.Claim),
		byNumber:    make(map[string]string),
		claimLocks:  make(map[string]*sync.Mutex),
		denials:     make(map[string]*denial.Denial),
		openByClaim: make(map[string]string),
		byPosting:   make(map[string]string),
		denialLocks: make(map[string]*sync.Mutex),
		remittances: make(map[string]*remittance.Advice),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NextClaimNumber allocates the next claim number
func (m *Memory) NextClaimNumber(at time.Time) string {
	return claim.FormatClaimNumber(at, atomic.AddInt64(&m.seq, 1))
}

// Load replaces the store contents, typically from persisted snapshots at
// startup. The claim number sequence resumes after the highest loaded number.
func (m *Memory) Load(claims []*claim.Claim, denials []*denial.Denial, advices []*remittance.Advice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var maxSeq int64
	for _, c := range claims {
		c.ClearChanges()
		m.claims[c.ID] = c
		m.byNumber[c.ClaimNumber] = c.ID
		m.claimLocks[c.ID] = &sync.Mutex{}
		if n := sequenceOf(c.ClaimNumber); n > maxSeq {
			maxSeq = n
		}
	}
	for _, d := range denials {
		m.denials[d.ID] = d
		m.denialLocks[d.ID] = &sync.Mutex{}
		if d.IsOpen() {
			m.openByClaim[d.ClaimNumber] = d.ID
		}
		if key, ok := postingKey(d); ok {
			m.byPosting[key] = d.ID
		}
	}
	for _, a := range advices {
		m.remittances[a.ID] = a
	}
	if maxSeq > atomic.LoadInt64(&m.seq) {
		atomic.StoreInt64(&m.seq, maxSeq)
	}
	m.logger.Info("store loaded",
		zap.Int("claims", len(claims)),
		zap.Int("denials", len(denials)),
		zap.Int("remittances", len(advices)))
}

func sequenceOf(number string) int64 {
	i := strings.LastIndex(number, "-")
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(number[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CreateClaim commits a newly built claim and returns its creation events
func (m *Memory) CreateClaim(ctx context.Context, c *claim.Claim) ([]*claim.Event, error) {
	next := c.Clone()
	events := c.Changes()
	c.ClearChanges()

	m.mu.RLock()
	_, exists := m.byNumber[next.ClaimNumber]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("claim number %s already exists", next.ClaimNumber)
	}

	if m.persister != nil {
		if err := m.persister.SaveClaim(ctx, next, events); err != nil {
			return nil, fmt.Errorf("persist claim %s: %w", next.ClaimNumber, err)
		}
	}

	m.mu.Lock()
	m.claims[next.ID] = next
	m.byNumber[next.ClaimNumber] = next.ID
	m.claimLocks[next.ID] = &sync.Mutex{}
	m.mu.Unlock()
	return events, nil
}

// Claim returns a snapshot of the claim
func (m *Memory) Claim(id string) (*claim.Claim, error) {
	m.mu.RLock()
	c, ok := m.claims[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", claim.ErrClaimNotFound, id)
	}
	return c.Clone(), nil
}

// ClaimByNumber returns a snapshot of the claim with the given number
func (m *Memory) ClaimByNumber(number string) (*claim.Claim, error) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", claim.ErrClaimNotFound, number)
	}
	return m.Claim(id)
}

// UpdateClaim applies fn to a copy of the claim under its lock and commits
// the copy when fn succeeds. It returns the committed snapshot and the
// events fn produced.
func (m *Memory) UpdateClaim(ctx context.Context, id string, fn func(*claim.Claim) error) (*claim.Claim, []*claim.Event, error) {
	m.mu.RLock()
	lock, ok := m.claimLocks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", claim.ErrClaimNotFound, id)
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	cur := m.claims[id]
	m.mu.RUnlock()

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, nil, err
	}
	events := next.Changes()
	next.ClearChanges()
	if len(events) == 0 {
		return cur.Clone(), nil, nil
	}

	if m.persister != nil {
		if err := m.persister.SaveClaim(ctx, next, events); err != nil {
			return nil, nil, fmt.Errorf("persist claim %s: %w", next.ClaimNumber, err)
		}
	}

	m.mu.Lock()
	m.claims[id] = next
	m.mu.Unlock()
	return next.Clone(), events, nil
}

// UpdateClaimByNumber is UpdateClaim keyed by claim number
func (m *Memory) UpdateClaimByNumber(ctx context.Context, number string, fn func(*claim.Claim) error) (*claim.Claim, []*claim.Event, error) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", claim.ErrClaimNotFound, number)
	}
	return m.UpdateClaim(ctx, id, fn)
}

// ListClaims returns matching claims newest-created first with the total
// match count before pagination.
func (m *Memory) ListClaims(f ClaimFilter) ([]*claim.Claim, int) {
	m.mu.RLock()
	matched := make([]*claim.Claim, 0)
	for _, c := range m.claims {
		if f.matches(c) {
			matched = append(matched, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ClaimNumber > matched[j].ClaimNumber
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*claim.Claim{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*claim.Claim, 0, end-offset)
	for _, c := range matched[offset:end] {
		out = append(out, c.Clone())
	}
	return out, total
}

// Claims returns snapshots of every claim
func (m *Memory) Claims() []*claim.Claim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*claim.Claim, 0, len(m.claims))
	for _, c := range m.claims {
		out = append(out, c.Clone())
	}
	return out
}

// CreateDenial commits a new denial unless the claim already has an open one
func (m *Memory) CreateDenial(ctx context.Context, d *denial.Denial) error {
	m.denialCreate.Lock()
	defer m.denialCreate.Unlock()

	key, keyed := postingKey(d)
	m.mu.RLock()
	_, open := m.openByClaim[d.ClaimNumber]
	_, seen := m.byPosting[key]
	m.mu.RUnlock()
	if open {
		return fmt.Errorf("%w: %s", denial.ErrDuplicate, d.ClaimNumber)
	}
	if keyed && seen {
		return fmt.Errorf("%w: %s posting %d", denial.ErrDuplicate, d.ClaimNumber, d.Posting)
	}

	next := d.Clone()
	if m.persister != nil {
		if err := m.persister.SaveDenial(ctx, next); err != nil {
			return fmt.Errorf("persist denial %s: %w", next.ID, err)
		}
	}

	m.mu.Lock()
	m.denials[next.ID] = next
	m.denialLocks[next.ID] = &sync.Mutex{}
	m.openByClaim[next.ClaimNumber] = next.ID
	if keyed {
		m.byPosting[key] = next.ID
	}
	m.mu.Unlock()
	return nil
}

// postingKey identifies the denied claim posting a denial came from
func postingKey(d *denial.Denial) (string, bool) {
	if d.Posting == 0 {
		return "", false
	}
	return d.ClaimNumber + "#" + strconv.Itoa(d.Posting), true
}

// Denial returns a snapshot of the denial
func (m *Memory) Denial(id string) (*denial.Denial, error) {
	m.mu.RLock()
	d, ok := m.denials[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", denial.ErrDenialNotFound, id)
	}
	return d.Clone(), nil
}

// OpenDenialForClaim returns the open denial of a claim number, if any
func (m *Memory) OpenDenialForClaim(number string) (*denial.Denial, bool) {
	m.mu.RLock()
	id, ok := m.openByClaim[number]
	var d *denial.Denial
	if ok {
		d = m.denials[id]
	}
	m.mu.RUnlock()
	if d == nil {
		return nil, false
	}
	return d.Clone(), true
}

// ListDenials returns snapshots of denials matching f
func (m *Memory) ListDenials(f denial.Filter) []*denial.Denial {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*denial.Denial, 0)
	for _, d := range m.denials {
		if f.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateDenial applies fn to a copy of the denial under its lock and commits
// the copy when fn succeeds.
func (m *Memory) UpdateDenial(ctx context.Context, id string, fn func(*denial.Denial) error) (*denial.Denial, error) {
	m.mu.RLock()
	lock, ok := m.denialLocks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", denial.ErrDenialNotFound, id)
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	cur := m.denials[id]
	m.mu.RUnlock()

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if m.persister != nil {
		if err := m.persister.SaveDenial(ctx, next); err != nil {
			return nil, fmt.Errorf("persist denial %s: %w", id, err)
		}
	}

	m.mu.Lock()
	m.denials[id] = next
	if !next.IsOpen() && m.openByClaim[next.ClaimNumber] == id {
		delete(m.openByClaim, next.ClaimNumber)
	}
	m.mu.Unlock()
	return next.Clone(), nil
}

// SaveRemittance commits a processed remittance advice
func (m *Memory) SaveRemittance(ctx context.Context, a *remittance.Advice) error {
	next := a.Clone()
	if m.persister != nil {
		if err := m.persister.SaveRemittance(ctx, next); err != nil {
			return fmt.Errorf("persist remittance %s: %w", next.ID, err)
		}
	}
	m.mu.Lock()
	m.remittances[next.ID] = next
	m.mu.Unlock()
	return nil
}

// Remittance returns a snapshot of the advice
func (m *Memory) Remittance(id string) (*remittance.Advice, error) {
	m.mu.RLock()
	a, ok := m.remittances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", remittance.ErrRemittanceNotFound, id)
	}
	return a.Clone(), nil
}
