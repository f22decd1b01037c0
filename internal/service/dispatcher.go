package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/verify-campaigns/internal/client"
	"github.com/example/verify-campaigns/internal/model"
	"github.com/example/verify-campaigns/internal/phone"
	"github.com/example/verify-campaigns/internal/repo"
)

var (
	ErrNoCandidates      = errors.New("service: no candidate numbers provided")
	ErrNoEligibleNumbers = errors.New("service: no eligible numbers after filtering")
)

// Candidate is one number submitted to a dispatch run, optionally carrying a
// caller-known verification status.
type Candidate struct {
	Number string
	Status model.VerificationStatus
}

type RejectReason string

const (
	RejectInvalidNumber   RejectReason = "invalid_number"
	RejectAlreadyVerified RejectReason = "already_verified"
	RejectAlreadyMessaged RejectReason = "already_messaged"
)

type RejectedNumber struct {
	Number string       `json:"phoneNumber"`
	Reason RejectReason `json:"reason"`
}

// SendOutcome records what happened to one attempted number. Rejected numbers
// never appear here; callers can tell "never attempted" from "attempted and
// failed".
type SendOutcome struct {
	Number      string        `json:"phoneNumber"`
	Status      string        `json:"status"`
	MessageID   int64         `json:"messageId,omitempty"`
	ProviderSID string        `json:"providerSid,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationSec float64       `json:"duration"`
}

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type DispatchStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Errors  int `json:"errors"`
}

type DispatchReport struct {
	CampaignID int64            `json:"campaignId"`
	Results    []SendOutcome    `json:"results"`
	Rejected   []RejectedNumber `json:"rejectedNumbers"`
	Stats      DispatchStats    `json:"stats"`
}

// DispatcherOptions tune one dispatcher instance.
type DispatcherOptions struct {
	TemplateSID string
	CreatedBy   string
	ChunkSize   int
	SendDelay   time.Duration
	// ResendMessaged lets numbers that already received a verification
	// message be attempted again. Verified numbers are always excluded.
	ResendMessaged bool
	// Sleep is replaceable in tests. Defaults to a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Dispatcher turns a list of candidate numbers into a persisted campaign of
// outbound verification messages. Sends are sequential with a pacing delay
// because the gateway enforces a per-account throughput ceiling; each number
// commits its own unit of work so one failure never costs prior progress.
type Dispatcher struct {
	store  repo.Store
	client client.SendClient
	opts   DispatcherOptions
	log    *slog.Logger
}

func NewDispatcher(store repo.Store, sendClient client.SendClient, opts DispatcherOptions) *Dispatcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10
	}
	if opts.SendDelay <= 0 {
		opts.SendDelay = 1100 * time.Millisecond
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		store:  store,
		client: sendClient,
		opts:   opts,
		log:    slog.Default().With("component", "dispatcher"),
	}
}

// Dispatch validates and filters candidates, creates the campaign, and sends
// to every eligible number. The report always covers every candidate: either
// in Results (attempted) or Rejected (never attempted). ctx is only honored
// at pacing waits; a cancelled dispatch returns the partial report alongside
// the context error.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []Candidate) (*DispatchReport, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	report := &DispatchReport{}

	eligible := d.filterCandidates(candidates, report)
	if len(eligible) == 0 {
		return report, ErrNoEligibleNumbers
	}

	// Numbers never seen before become pending rows; existing rows keep
	// their state. One durable write, outside any per-message unit.
	if err := d.store.Phones().UpsertPending(ctx, eligible); err != nil {
		return report, err
	}

	phones, err := d.store.Phones().ListByNumbers(ctx, eligible)
	if err != nil {
		return report, err
	}

	targets := d.filterRecords(phones, report)
	if len(targets) == 0 {
		return report, ErrNoEligibleNumbers
	}

	campaignID, err := d.store.Campaigns().Create(ctx, &model.Campaign{
		SentAt:       d.opts.Now(),
		TemplateUsed: d.opts.TemplateSID,
		CreatedBy:    d.opts.CreatedBy,
	})
	if err != nil {
		return report, err
	}
	report.CampaignID = campaignID
	d.log.Info("campaign created", "campaign_id", campaignID, "targets", len(targets), "rejected", len(report.Rejected))

	d.sendAll(ctx, campaignID, targets, report)

	for _, r := range report.Results {
		if r.Status == OutcomeSuccess {
			report.Stats.Success++
		} else {
			report.Stats.Errors++
		}
	}
	report.Stats.Total = len(report.Results)

	d.log.Info("campaign completed",
		"campaign_id", campaignID,
		"total", report.Stats.Total,
		"success", report.Stats.Success,
		"errors", report.Stats.Errors,
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, ctxErr
	}
	return report, nil
}

// filterCandidates normalizes, deduplicates, and drops candidates the caller
// already knows are verified. Returns the surviving canonical numbers.
func (d *Dispatcher) filterCandidates(candidates []Candidate, report *DispatchReport) []string {
	seen := make(map[string]bool, len(candidates))
	var eligible []string

	for _, c := range candidates {
		normalized, err := phone.Normalize(c.Number)
		if err != nil {
			report.Rejected = append(report.Rejected, RejectedNumber{Number: c.Number, Reason: RejectInvalidNumber})
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true

		if c.Status == model.VerificationVerified {
			report.Rejected = append(report.Rejected, RejectedNumber{Number: normalized, Reason: RejectAlreadyVerified})
			continue
		}
		eligible = append(eligible, normalized)
	}
	return eligible
}

// filterRecords applies the durable-state eligibility filter: verified
// numbers and numbers that already received a verification message are
// excluded from the attempt set.
func (d *Dispatcher) filterRecords(phones []model.PhoneNumber, report *DispatchReport) []model.PhoneNumber {
	var targets []model.PhoneNumber
	for _, p := range phones {
		switch {
		case p.Status == model.VerificationVerified:
			report.Rejected = append(report.Rejected, RejectedNumber{Number: p.Number, Reason: RejectAlreadyVerified})
		case p.HasReceivedVerificationMessage && !d.opts.ResendMessaged:
			report.Rejected = append(report.Rejected, RejectedNumber{Number: p.Number, Reason: RejectAlreadyMessaged})
		default:
			targets = append(targets, p)
		}
	}
	return targets
}

func (d *Dispatcher) sendAll(ctx context.Context, campaignID int64, targets []model.PhoneNumber, report *DispatchReport) {
	sent := 0
	for start := 0; start < len(targets); start += d.opts.ChunkSize {
		end := start + d.opts.ChunkSize
		if end > len(targets) {
			end = len(targets)
		}
		chunk := targets[start:end]
		chunkStart := d.opts.Now()
		chunkSuccess := 0

		for _, target := range chunk {
			if sent > 0 {
				if err := d.opts.Sleep(ctx, d.opts.SendDelay); err != nil {
					d.log.Warn("dispatch cancelled mid-campaign", "campaign_id", campaignID, "processed", sent)
					return
				}
			}
			sent++

			outcome := d.sendOne(ctx, campaignID, target)
			report.Results = append(report.Results, outcome)
			if outcome.Status == OutcomeSuccess {
				chunkSuccess++
			}
		}

		d.log.Info("chunk processed",
			"campaign_id", campaignID,
			"size", len(chunk),
			"success", chunkSuccess,
			"errors", len(chunk)-chunkSuccess,
			"duration", d.opts.Now().Sub(chunkStart).String(),
		)
	}
}

// sendOne attempts the gateway send for a single number and commits the
// result in its own unit of work. It never returns an error: every failure
// mode becomes an error outcome so the loop always continues.
func (d *Dispatcher) sendOne(ctx context.Context, campaignID int64, target model.PhoneNumber) SendOutcome {
	start := d.opts.Now()
	finish := func(o SendOutcome) SendOutcome {
		o.Duration = d.opts.Now().Sub(start)
		o.DurationSec = o.Duration.Seconds()
		return o
	}

	res, sendErr := d.client.Send(ctx, target.Number)
	if sendErr != nil {
		d.log.Error("gateway send failed", "campaign_id", campaignID, "number", target.Number, "error", sendErr)

		// Audit row for the failed attempt. Its loss is not fatal either.
		var pe *client.ProviderError
		var errCode *int
		if errors.As(sendErr, &pe) {
			errCode = &pe.Code
		}
		errMsg := sendErr.Error()

		persistErr := d.store.Do(ctx, func(tx repo.Tx) error {
			_, err := tx.Messages().Create(ctx, &model.Message{
				PhoneNumberID: target.ID,
				CampaignID:    &campaignID,
				SentAt:        start,
				TemplateUsed:  d.opts.TemplateSID,
				MessageStatus: model.DeliveryFailed,
				ErrorCode:     errCode,
				ErrorMessage:  &errMsg,
			})
			return err
		})
		if persistErr != nil {
			d.log.Error("failed to record failed send", "campaign_id", campaignID, "number", target.Number, "error", persistErr)
		}

		return finish(SendOutcome{Number: target.Number, Status: OutcomeError, Error: errMsg})
	}

	var messageID int64
	persistErr := d.store.Do(ctx, func(tx repo.Tx) error {
		sid := res.SID
		id, err := tx.Messages().Create(ctx, &model.Message{
			PhoneNumberID: target.ID,
			CampaignID:    &campaignID,
			SentAt:        start,
			TemplateUsed:  d.opts.TemplateSID,
			ProviderSID:   &sid,
			MessageStatus: model.DeliveryQueued,
		})
		if err != nil {
			return err
		}
		messageID = id
		return tx.Phones().SetReceivedFlag(ctx, target.ID)
	})
	if persistErr != nil {
		// The message left the building but we have no durable record of it.
		// This divergence needs an operator, not a retry.
		d.log.Error("message sent but not recorded",
			"campaign_id", campaignID,
			"number", target.Number,
			"provider_sid", res.SID,
			"error", persistErr,
		)
		return finish(SendOutcome{Number: target.Number, Status: OutcomeError, ProviderSID: res.SID, Error: "sent but not recorded: " + persistErr.Error()})
	}

	d.log.Info("message sent", "campaign_id", campaignID, "number", target.Number, "provider_sid", res.SID)
	return finish(SendOutcome{Number: target.Number, Status: OutcomeSuccess, MessageID: messageID, ProviderSID: res.SID})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
