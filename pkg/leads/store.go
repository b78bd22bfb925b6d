package leads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicecall-engine/pkg/errors"
)

// Store persists leads, campaigns and the side effects of agent decisions
type Store interface {
	GetLead(ctx context.Context, id string) (*Lead, error)
	PutLead(ctx context.Context, lead *Lead) error
	UpdateLead(ctx context.Context, id string, fields map[string]interface{}) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	PutCampaign(ctx context.Context, c *Campaign) error
	ScheduleCallback(ctx context.Context, cb Callback) error
	DueCallbacks(ctx context.Context, before time.Time) ([]Callback, error)
	RecordMemory(ctx context.Context, m Memory) error
	Memories(ctx context.Context, leadID string, limit int) ([]Memory, error)
	RecordPattern(ctx context.Context, p Pattern) error
	RequestTransfer(ctx context.Context, req TransferRequest) error
	Close() error
}

// Well known lead fields that UpdateLead maps onto struct members
const (
	FieldStatus         = "status"
	FieldClassification = "classification"
	FieldName           = "name"
	FieldPurpose        = "purpose"
)

// MaxMemoriesPerLead bounds the memory list kept for one lead
const MaxMemoriesPerLead = 50

// applyFields merges an update into a lead. Unknown keys land in Fields.
func applyFields(lead *Lead, fields map[string]interface{}, now time.Time) {
	if lead.Fields == nil {
		lead.Fields = make(map[string]interface{})
	}
	for k, v := range fields {
		s, isString := v.(string)
		switch {
		case k == FieldStatus && isString:
			lead.Status = s
		case k == FieldClassification && isString:
			lead.Classification = s
		case k == FieldName && isString:
			lead.Name = s
		case k == FieldPurpose && isString:
			lead.Purpose = s
		default:
			lead.Fields[k] = v
		}
	}
	lead.UpdatedAt = now
}

func normalizeCallback(cb *Callback, now time.Time) error {
	if cb.DelayMinutes <= 0 {
		return errors.NewInvalidInput("callback delay must be positive", map[string]interface{}{
			"delay_minutes": cb.DelayMinutes,
		})
	}
	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	if cb.ScheduledAt.IsZero() {
		cb.ScheduledAt = cb.CreatedAt.Add(time.Duration(cb.DelayMinutes) * time.Minute)
	}
	return nil
}

// MemoryStore keeps everything in process. It backs single node
// deployments without Redis and the tests.
type MemoryStore struct {
	mu        sync.RWMutex
	leads     map[string]*Lead
	campaigns map[string]*Campaign
	callbacks []Callback
	memories  map[string][]Memory
	patterns  map[string][]Pattern
	transfers []TransferRequest
	now       func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:     make(map[string]*Lead),
		campaigns: make(map[string]*Campaign),
		memories:  make(map[string][]Memory),
		patterns:  make(map[string][]Pattern),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, errors.NewNotFound("lead not found", map[string]interface{}{"lead_id": id})
	}
	cp := *lead
	cp.Fields = copyFields(lead.Fields)
	return &cp, nil
}

func (s *MemoryStore) PutLead(ctx context.Context, lead *Lead) error {
	if lead == nil || lead.ID == "" {
		return errors.NewInvalidInput("lead id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lead
	cp.Fields = copyFields(lead.Fields)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.leads[lead.ID] = &cp
	return nil
}

// UpdateLead merges fields into the lead, creating a stub record when the
// lead was never seeded.
func (s *MemoryStore) UpdateLead(ctx context.Context, id string, fields map[string]interface{}) error {
	if id == "" {
		return errors.NewInvalidInput("lead id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		lead = &Lead{ID: id}
		s.leads[id] = lead
	}
	applyFields(lead, fields, s.now())
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, errors.NewNotFound("campaign not found", map[string]interface{}{"campaign_id": id})
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) PutCampaign(ctx context.Context, c *Campaign) error {
	if c == nil || c.ID == "" {
		return errors.NewInvalidInput("campaign id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *MemoryStore) ScheduleCallback(ctx context.Context, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := normalizeCallback(&cb, s.now()); err != nil {
		return err
	}
	s.callbacks = append(s.callbacks, cb)
	return nil
}

// DueCallbacks returns callbacks scheduled at or before the given time,
// earliest first.
func (s *MemoryStore) DueCallbacks(ctx context.Context, before time.Time) ([]Callback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []Callback
	for _, cb := range s.callbacks {
		if !cb.ScheduledAt.After(before) {
			due = append(due, cb)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

func (s *MemoryStore) RecordMemory(ctx context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	list := append([]Memory{m}, s.memories[m.LeadID]...)
	if len(list) > MaxMemoriesPerLead {
		list = list[:MaxMemoriesPerLead]
	}
	s.memories[m.LeadID] = list
	return nil
}

// Memories returns the newest memories for a lead
func (s *MemoryStore) Memories(ctx context.Context, leadID string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.memories[leadID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]Memory(nil), list...), nil
}

func (s *MemoryStore) RecordPattern(ctx context.Context, p Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.patterns[p.CampaignID] = append(s.patterns[p.CampaignID], p)
	return nil
}

// Patterns returns the learned patterns of a campaign
func (s *MemoryStore) Patterns(campaignID string) []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Pattern(nil), s.patterns[campaignID]...)
}

func (s *MemoryStore) RequestTransfer(ctx context.Context, req TransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	s.transfers = append(s.transfers, req)
	return nil
}

// Transfers returns every transfer requested so far
func (s *MemoryStore) Transfers() []TransferRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TransferRequest(nil), s.transfers...)
}

func (s *MemoryStore) Close() error { return nil }

func copyFields(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
