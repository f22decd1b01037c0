package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/verify-campaigns/internal/model"
)

// dbtx is the subset of *sql.DB and *sql.Tx the repositories use.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Phones() PhoneRepository {
	return &pgPhones{db: s.db}
}

func (s *PostgresStore) Messages() MessageRepository {
	return &pgMessages{db: s.db}
}

func (s *PostgresStore) Campaigns() CampaignRepository {
	return &pgCampaigns{db: s.db}
}

// Do runs fn inside one transaction. A nil return commits; an error or panic
// rolls back.
func (s *PostgresStore) Do(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Phones() PhoneRepository       { return &pgPhones{db: t.tx} }
func (t *pgTx) Messages() MessageRepository   { return &pgMessages{db: t.tx, locking: true} }
func (t *pgTx) Campaigns() CampaignRepository { return &pgCampaigns{db: t.tx} }

type pgPhones struct {
	db dbtx
}

func (r *pgPhones) UpsertPending(ctx context.Context, numbers []string) error {
	if len(numbers) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO phone_numbers (number, status)
		SELECT unnest($1::text[]), 'pending_verification'
		ON CONFLICT (number) DO NOTHING
	`, numbers)
	return err
}

const phoneColumns = `id, number, status, has_received_verification_message, created_at, updated_at`

func scanPhone(row interface{ Scan(...any) error }) (*model.PhoneNumber, error) {
	var p model.PhoneNumber
	var status string
	if err := row.Scan(
		&p.ID,
		&p.Number,
		&status,
		&p.HasReceivedVerificationMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = model.VerificationStatus(status)
	return &p, nil
}

func (r *pgPhones) GetByNumber(ctx context.Context, number string) (*model.PhoneNumber, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+phoneColumns+`
		FROM phone_numbers
		WHERE number = $1
	`, number)

	p, err := scanPhone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *pgPhones) FindByNumbers(ctx context.Context, numbers []string) (*model.PhoneNumber, error) {
	if len(numbers) == 0 {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+phoneColumns+`
		FROM phone_numbers
		WHERE number = ANY($1::text[])
		ORDER BY id ASC
		LIMIT 1
	`, numbers)

	p, err := scanPhone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *pgPhones) ListByNumbers(ctx context.Context, numbers []string) ([]model.PhoneNumber, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+phoneColumns+`
		FROM phone_numbers
		WHERE number = ANY($1::text[])
		ORDER BY id ASC
	`, numbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPhones(rows)
}

func (r *pgPhones) SetReceivedFlag(ctx context.Context, id int64) error {
	return r.exec(ctx, `
		UPDATE phone_numbers
		SET has_received_verification_message = TRUE, updated_at = now()
		WHERE id = $1
	`, id)
}

func (r *pgPhones) SetStatus(ctx context.Context, id int64, status model.VerificationStatus) error {
	return r.exec(ctx, `
		UPDATE phone_numbers
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, string(status))
}

func (r *pgPhones) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgPhones) List(ctx context.Context, limit, offset int) ([]model.PhoneNumber, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM phone_numbers`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+phoneColumns+`
		FROM phone_numbers
		ORDER BY id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	phones, err := collectPhones(rows)
	return phones, total, err
}

func (r *pgPhones) CountByStatus(ctx context.Context, from, to time.Time) (map[model.VerificationStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, count(*)
		FROM phone_numbers
		WHERE updated_at BETWEEN $1 AND $2
		GROUP BY status
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.VerificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.VerificationStatus(status)] = n
	}
	return counts, rows.Err()
}

func collectPhones(rows *sql.Rows) ([]model.PhoneNumber, error) {
	var out []model.PhoneNumber
	for rows.Next() {
		p, err := scanPhone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type pgMessages struct {
	db dbtx
	// locking adds FOR UPDATE to SID lookups so concurrent status callbacks
	// for the same message serialize on the row. Only set inside a unit of
	// work.
	locking bool
}

func (r *pgMessages) Create(ctx context.Context, m *model.Message) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (
			phone_number_id, campaign_id, sent_at, template_used,
			provider_sid, message_status, error_code, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		m.PhoneNumberID,
		nullInt64(m.CampaignID),
		m.SentAt.UTC(),
		m.TemplateUsed,
		nullString(m.ProviderSID),
		string(m.MessageStatus),
		nullInt(m.ErrorCode),
		nullString(m.ErrorMessage),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

const messageColumns = `id, phone_number_id, campaign_id, sent_at, template_used,
	provider_sid, message_status, response_received, responded_at,
	error_code, error_message, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	var campaignID sql.NullInt64
	var providerSID, responseReceived, errorMessage sql.NullString
	var respondedAt sql.NullTime
	var errorCode sql.NullInt64
	var status string

	if err := row.Scan(
		&m.ID,
		&m.PhoneNumberID,
		&campaignID,
		&m.SentAt,
		&m.TemplateUsed,
		&providerSID,
		&status,
		&responseReceived,
		&respondedAt,
		&errorCode,
		&errorMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.MessageStatus = model.DeliveryStatus(status)
	if campaignID.Valid {
		v := campaignID.Int64
		m.CampaignID = &v
	}
	if providerSID.Valid {
		v := providerSID.String
		m.ProviderSID = &v
	}
	if responseReceived.Valid {
		v := responseReceived.String
		m.ResponseReceived = &v
	}
	if respondedAt.Valid {
		v := respondedAt.Time
		m.RespondedAt = &v
	}
	if errorCode.Valid {
		v := int(errorCode.Int64)
		m.ErrorCode = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		m.ErrorMessage = &v
	}
	return &m, nil
}

func (r *pgMessages) GetByProviderSID(ctx context.Context, sid string) (*model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE provider_sid = $1
		ORDER BY sent_at DESC
		LIMIT 1`
	if r.locking {
		query += `
		FOR UPDATE`
	}

	m, err := scanMessage(r.db.QueryRowContext(ctx, query, sid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (r *pgMessages) UpdateDeliveryStatus(ctx context.Context, id int64, status model.DeliveryStatus, errorCode *int, errorMessage *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET message_status = $2,
		    error_code = COALESCE($3, error_code),
		    error_message = COALESCE($4, error_message),
		    updated_at = now()
		WHERE id = $1
	`, id, string(status), nullInt(errorCode), nullString(errorMessage))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *pgMessages) RecordResponse(ctx context.Context, id int64, button string, respondedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET response_received = $2,
		    responded_at = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, button, respondedAt.UTC())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *pgMessages) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE campaign_id = $1
		ORDER BY id ASC
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type pgCampaigns struct {
	db dbtx
}

func (r *pgCampaigns) Create(ctx context.Context, c *model.Campaign) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO campaigns (sent_at, template_used, created_by)
		VALUES ($1, $2, $3)
		RETURNING id
	`, c.SentAt.UTC(), c.TemplateUsed, c.CreatedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert campaign: %w", err)
	}
	return id, nil
}

func (r *pgCampaigns) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.QueryRowContext(ctx, `
		SELECT id, sent_at, template_used, created_by, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(&c.ID, &c.SentAt, &c.TemplateUsed, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
