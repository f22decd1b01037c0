package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/verify-campaigns/internal/model"
)

// MemoryStore is an in-memory Store used by tests and local runs without a
// database. Do snapshots state and restores it when fn fails, matching the
// rollback semantics of the Postgres store.
type MemoryStore struct {
	mu sync.Mutex

	phones    map[int64]*model.PhoneNumber
	messages  map[int64]*model.Message
	campaigns map[int64]*model.Campaign

	nextPhoneID    int64
	nextMessageID  int64
	nextCampaignID int64

	// FailNextMessageCreate makes the next Message insert fail. Test hook for
	// persistence-failure paths.
	FailNextMessageCreate error

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		phones:         make(map[int64]*model.PhoneNumber),
		messages:       make(map[int64]*model.Message),
		campaigns:      make(map[int64]*model.Campaign),
		nextPhoneID:    1,
		nextMessageID:  1,
		nextCampaignID: 1,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Phones() PhoneRepository       { return (*memPhones)(s) }
func (s *MemoryStore) Messages() MessageRepository   { return (*memMessages)(s) }
func (s *MemoryStore) Campaigns() CampaignRepository { return (*memCampaigns)(s) }

func (s *MemoryStore) Do(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	snapshot := s.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.phones = snapshot.phones
		s.messages = snapshot.messages
		s.campaigns = snapshot.campaigns
		s.nextPhoneID = snapshot.nextPhoneID
		s.nextMessageID = snapshot.nextMessageID
		s.nextCampaignID = snapshot.nextCampaignID
		s.mu.Unlock()
		return err
	}
	return nil
}

type memSnapshot struct {
	phones         map[int64]*model.PhoneNumber
	messages       map[int64]*model.Message
	campaigns      map[int64]*model.Campaign
	nextPhoneID    int64
	nextMessageID  int64
	nextCampaignID int64
}

func (s *MemoryStore) clone() memSnapshot {
	snap := memSnapshot{
		phones:         make(map[int64]*model.PhoneNumber, len(s.phones)),
		messages:       make(map[int64]*model.Message, len(s.messages)),
		campaigns:      make(map[int64]*model.Campaign, len(s.campaigns)),
		nextPhoneID:    s.nextPhoneID,
		nextMessageID:  s.nextMessageID,
		nextCampaignID: s.nextCampaignID,
	}
	for id, p := range s.phones {
		cp := *p
		snap.phones[id] = &cp
	}
	for id, m := range s.messages {
		cp := *m
		snap.messages[id] = &cp
	}
	for id, c := range s.campaigns {
		cp := *c
		snap.campaigns[id] = &cp
	}
	return snap
}

// SeedPhone inserts a phone record directly. Test helper.
func (s *MemoryStore) SeedPhone(p model.PhoneNumber) *model.PhoneNumber {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = s.nextPhoneID
	s.nextPhoneID++
	if p.Status == "" {
		p.Status = model.VerificationPending
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.phones[p.ID] = &p
	return &p
}

// MessageCount reports the number of stored messages. Test helper.
func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type memPhones MemoryStore

func (r *memPhones) UpsertPending(ctx context.Context, numbers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make(map[string]bool, len(r.phones))
	for _, p := range r.phones {
		existing[p.Number] = true
	}

	now := r.now()
	for _, n := range numbers {
		if existing[n] {
			continue
		}
		p := &model.PhoneNumber{
			ID:        r.nextPhoneID,
			Number:    n,
			Status:    model.VerificationPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.nextPhoneID++
		r.phones[p.ID] = p
		existing[n] = true
	}
	return nil
}

func (r *memPhones) GetByNumber(ctx context.Context, number string) (*model.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.phones {
		if p.Number == number {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPhones) FindByNumbers(ctx context.Context, numbers []string) (*model.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *model.PhoneNumber
	for _, p := range r.phones {
		for _, n := range numbers {
			if p.Number == n && (found == nil || p.ID < found.ID) {
				found = p
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memPhones) ListByNumbers(ctx context.Context, numbers []string) ([]model.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		want[n] = true
	}

	var out []model.PhoneNumber
	for _, p := range r.phones {
		if want[p.Number] {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memPhones) SetReceivedFlag(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.phones[id]
	if !ok {
		return ErrNotFound
	}
	p.HasReceivedVerificationMessage = true
	p.UpdatedAt = r.now()
	return nil
}

func (r *memPhones) SetStatus(ctx context.Context, id int64, status model.VerificationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.phones[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = r.now()
	return nil
}

func (r *memPhones) List(ctx context.Context, limit, offset int) ([]model.PhoneNumber, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	all := make([]model.PhoneNumber, 0, len(r.phones))
	for _, p := range r.phones {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memPhones) CountByStatus(ctx context.Context, from, to time.Time) (map[model.VerificationStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[model.VerificationStatus]int)
	for _, p := range r.phones {
		if p.UpdatedAt.Before(from) || p.UpdatedAt.After(to) {
			continue
		}
		counts[p.Status]++
	}
	return counts, nil
}

type memMessages MemoryStore

func (r *memMessages) Create(ctx context.Context, m *model.Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.FailNextMessageCreate; err != nil {
		r.FailNextMessageCreate = nil
		return 0, err
	}

	cp := *m
	cp.ID = r.nextMessageID
	r.nextMessageID++
	now := r.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.MessageStatus == "" {
		cp.MessageStatus = model.DeliveryQueued
	}
	r.messages[cp.ID] = &cp
	return cp.ID, nil
}

func (r *memMessages) GetByProviderSID(ctx context.Context, sid string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *model.Message
	for _, m := range r.messages {
		if m.ProviderSID != nil && *m.ProviderSID == sid {
			if found == nil || m.SentAt.After(found.SentAt) {
				found = m
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memMessages) UpdateDeliveryStatus(ctx context.Context, id int64, status model.DeliveryStatus, errorCode *int, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.MessageStatus = status
	if errorCode != nil {
		v := *errorCode
		m.ErrorCode = &v
	}
	if errorMessage != nil {
		v := *errorMessage
		m.ErrorMessage = &v
	}
	m.UpdatedAt = r.now()
	return nil
}

func (r *memMessages) RecordResponse(ctx context.Context, id int64, button string, respondedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.ResponseReceived = &button
	at := respondedAt.UTC()
	m.RespondedAt = &at
	m.UpdatedAt = r.now()
	return nil
}

func (r *memMessages) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Message
	for _, m := range r.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memCampaigns MemoryStore

func (r *memCampaigns) Create(ctx context.Context, c *model.Campaign) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	cp.ID = r.nextCampaignID
	r.nextCampaignID++
	cp.CreatedAt = r.now()
	r.campaigns[cp.ID] = &cp
	return cp.ID, nil
}

func (r *memCampaigns) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}
