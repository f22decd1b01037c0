package repo

import (
	"context"
	"errors"
	"time"

	"github.com/example/verify-campaigns/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repo: not found")

type PhoneRepository interface {
	// UpsertPending inserts numbers as pending-verification rows, skipping
	// numbers that already exist.
	UpsertPending(ctx context.Context, numbers []string) error
	GetByNumber(ctx context.Context, number string) (*model.PhoneNumber, error)
	// FindByNumbers returns the first phone record matching any of the given
	// textual variants, or ErrNotFound.
	FindByNumbers(ctx context.Context, numbers []string) (*model.PhoneNumber, error)
	ListByNumbers(ctx context.Context, numbers []string) ([]model.PhoneNumber, error)
	SetReceivedFlag(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status model.VerificationStatus) error
	List(ctx context.Context, limit, offset int) ([]model.PhoneNumber, int, error)
	// CountByStatus counts phone records per verification status, filtered by
	// last-update time.
	CountByStatus(ctx context.Context, from, to time.Time) (map[model.VerificationStatus]int, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) (int64, error)
	// GetByProviderSID finds the message a provider callback refers to. When
	// called inside a unit of work the row is locked until commit, so two
	// concurrent callbacks for the same message serialize.
	GetByProviderSID(ctx context.Context, sid string) (*model.Message, error)
	UpdateDeliveryStatus(ctx context.Context, id int64, status model.DeliveryStatus, errorCode *int, errorMessage *string) error
	RecordResponse(ctx context.Context, id int64, button string, respondedAt time.Time) error
	ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error)
}

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) (int64, error)
	Get(ctx context.Context, id int64) (*model.Campaign, error)
}

// Tx exposes the repositories bound to one transactional unit of work.
type Tx interface {
	Phones() PhoneRepository
	Messages() MessageRepository
	Campaigns() CampaignRepository
}

// Store is the durable state boundary. Repository methods called directly on
// the store auto-commit; Do runs fn inside a single transaction that commits
// when fn returns nil and rolls back otherwise.
type Store interface {
	Tx
	Do(ctx context.Context, fn func(tx Tx) error) error
}
