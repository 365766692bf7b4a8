package denial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/drfirst/go-rcm/internal/domain/claim"
	"github.com/drfirst/go-rcm/internal/reference"
)

// ErrDuplicate is returned by a Store when an open denial already exists
// for the claim number, or when the denied posting already produced one.
var ErrDuplicate = errors.New("denial already exists for claim")

// Store is the persistence the manager needs. UpdateDenial applies fn to a
// private copy and commits it only when fn returns nil.
type Store interface {
	CreateDenial(ctx context.Context, d *Denial) error
	Denial(id string) (*Denial, error)
	ListDenials(f Filter) []*Denial
	UpdateDenial(ctx context.Context, id string, fn func(*Denial) error) (*Denial, error)
	UpdateClaimByNumber(ctx context.Context, number string, fn func(*claim.Claim) error) (*claim.Claim, []*claim.Event, error)
}

// Filter narrows ListDenials
type Filter struct {
	Status   Status
	Category Category
	PayerID  string
}

// Matches reports whether d satisfies the filter
func (f Filter) Matches(d *Denial) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.PayerID != "" && d.PayerID != f.PayerID {
		return false
	}
	return true
}

// AppealInput is a request to file an appeal
type AppealInput struct {
	DenialID       string      `json:"denial_id"`
	Level          AppealLevel `json:"level" validate:"required,oneof=first second external judicial"`
	Reason         string      `json:"reason"`
	SupportingDocs []string    `json:"supporting_docs"`
}

// DecisionInput records a payer's appeal decision
type DecisionInput struct {
	DenialID string      `json:"denial_id"`
	Level    AppealLevel `json:"level" validate:"required,oneof=first second external judicial"`
	Approved bool        `json:"approved"`
	Detail   string      `json:"detail"`
}

// Manager owns the denial work queue
type Manager struct {
	store   Store
	catalog *reference.Catalog
}

// NewManager creates a denial manager
func NewManager(store Store, catalog *reference.Catalog) *Manager {
	return &Manager{store: store, catalog: catalog}
}

// Consume creates denials from ClaimDenied events. Other event types are
// ignored, as are events for claims that already have an open denial and
// replays of a posting that already has a denial in any status.
func (m *Manager) Consume(ctx context.Context, events []*claim.Event) ([]*Denial, error) {
	var created []*Denial
	for _, e := range events {
		if e.EventType != claim.EventClaimDenied {
			continue
		}
		var data claim.ClaimDeniedData
		if err := e.Decode(&data); err != nil {
			return created, fmt.Errorf("decode %s event %s: %w", e.EventType, e.ID, err)
		}
		d := New(data, m.catalog)
		if err := m.store.CreateDenial(ctx, d); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			return created, fmt.Errorf("create denial for %s: %w", data.ClaimNumber, err)
		}
		created = append(created, d.Clone())
	}
	return created, nil
}

// Get returns a denial by id
func (m *Manager) Get(id string) (*Denial, error) {
	return m.store.Denial(id)
}

// List returns denials matching f, oldest appeal deadline first
func (m *Manager) List(f Filter) []*Denial {
	out := m.store.ListDenials(f)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AppealDeadline.Before(out[j].AppealDeadline)
	})
	return out
}

// StartReview moves a new denial into review
func (m *Manager) StartReview(ctx context.Context, id, notes string, at time.Time) (*Denial, error) {
	return m.store.UpdateDenial(ctx, id, func(d *Denial) error {
		return d.StartReview(notes, at)
	})
}

// FileAppeal appends an appeal and moves the claim to appealed. The claim
// moves first, inside the denial update; a failed claim transition leaves
// both unchanged, but a denial that fails to persist afterwards leaves the
// claim already appealed.
func (m *Manager) FileAppeal(ctx context.Context, in AppealInput, at time.Time) (*Denial, *Appeal, error) {
	var filed Appeal
	d, err := m.store.UpdateDenial(ctx, in.DenialID, func(d *Denial) error {
		a, err := d.FileAppeal(in.Level, in.SupportingDocs, in.Reason, at)
		if err != nil {
			return err
		}
		filed = *a
		_, _, err = m.store.UpdateClaimByNumber(ctx, d.ClaimNumber, func(c *claim.Claim) error {
			return c.MarkAppealed(d.ID, string(in.Level), at)
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return d, &filed, nil
}

// MarkAppealInReview records payer acknowledgment of an appeal
func (m *Manager) MarkAppealInReview(ctx context.Context, id string, level AppealLevel, at time.Time) (*Denial, error) {
	return m.store.UpdateDenial(ctx, id, func(d *Denial) error {
		return d.MarkAppealInReview(level, at)
	})
}

// RecordDecision closes an appeal and moves the claim accordingly. A denied
// appeal only returns the claim to denied when no other appeal is open. As
// in FileAppeal, the claim change commits before the denial.
func (m *Manager) RecordDecision(ctx context.Context, in DecisionInput, at time.Time) (*Denial, error) {
	return m.store.UpdateDenial(ctx, in.DenialID, func(d *Denial) error {
		if err := d.RecordDecision(in.Level, in.Approved, in.Detail, at); err != nil {
			return err
		}
		if !in.Approved && d.hasOpenAppeal() {
			return nil
		}
		_, _, err := m.store.UpdateClaimByNumber(ctx, d.ClaimNumber, func(c *claim.Claim) error {
			return c.ResolveAppeal(d.ID, string(in.Level), in.Approved, at)
		})
		return err
	})
}

// WriteOff closes a denial without recovery
func (m *Manager) WriteOff(ctx context.Context, id, reason string, at time.Time) (*Denial, error) {
	return m.store.UpdateDenial(ctx, id, func(d *Denial) error {
		return d.WriteOff(reason, at)
	})
}

// Overdue returns open denials past their appeal deadline and appeals past
// their response deadline.
func (m *Manager) Overdue(at time.Time) []*Denial {
	var out []*Denial
	for _, d := range m.List(Filter{}) {
		if d.Overdue(at) {
			out = append(out, d)
		}
	}
	return out
}
