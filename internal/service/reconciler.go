package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/verify-campaigns/internal/model"
	"github.com/example/verify-campaigns/internal/phone"
	"github.com/example/verify-campaigns/internal/repo"
	"github.com/example/verify-campaigns/internal/retry"
	"github.com/example/verify-campaigns/internal/status"
)

// Outcome classifies what a webhook event did. Every outcome except
// OutcomeServerError is acknowledged to the provider as handled, so it never
// retries events we have already absorbed.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeNotFound   Outcome = "not_found"
)

// DeliveryStatusEvent is a provider delivery-state callback.
type DeliveryStatusEvent struct {
	To            string
	MessageSID    string
	MessageStatus string
	ErrorCode     *int
}

// ResponseEvent is a user button-press (or free-text) callback.
type ResponseEvent struct {
	From                      string
	ButtonText                string
	MessageType               string
	OriginalRepliedMessageSID string
}

// affirmativeButton is the single button label that marks a number verified.
// Any other recognized button press marks it not verified.
const affirmativeButton = "Si"

// ReconcilerOptions bound the lookup retry that absorbs the race between the
// dispatcher's commit and the provider's first callback.
type ReconcilerOptions struct {
	LookupAttempts int
	LookupDelay    time.Duration
	Now            func() time.Time
}

// Reconciler merges asynchronous provider callbacks into the authoritative
// per-message and per-number state. All multi-write paths run inside one
// unit of work; the precedence table is the only ordering authority.
type Reconciler struct {
	store repo.Store
	opts  ReconcilerOptions
	log   *slog.Logger
}

func NewReconciler(store repo.Store, opts ReconcilerOptions) *Reconciler {
	if opts.LookupAttempts <= 0 {
		opts.LookupAttempts = 3
	}
	if opts.LookupDelay <= 0 {
		opts.LookupDelay = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store: store,
		opts:  opts,
		log:   slog.Default().With("component", "reconciler"),
	}
}

// HandleDeliveryStatus applies a delivery-state callback to the message the
// correlation id names. Lower- or equal-precedence states are acknowledged
// without a write; a permanent provider failure additionally marks the
// owning phone number invalid.
func (r *Reconciler) HandleDeliveryStatus(ctx context.Context, ev DeliveryStatusEvent) (Outcome, error) {
	if ev.MessageSID == "" {
		return OutcomeNotFound, nil
	}

	// The provider can call back before the dispatcher's commit is visible;
	// retry the lookup briefly before declaring the message unknown.
	err := retry.Do(ctx, r.opts.LookupAttempts, r.opts.LookupDelay, func(ctx context.Context) error {
		_, err := r.store.Messages().GetByProviderSID(ctx, ev.MessageSID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		r.log.Warn("status callback for unknown message", "provider_sid", ev.MessageSID)
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup message %s: %w", ev.MessageSID, err)
	}

	incoming := model.DeliveryStatus(ev.MessageStatus)
	outcome := OutcomeSuperseded

	err = r.store.Do(ctx, func(tx repo.Tx) error {
		// Re-read under the row lock so two concurrent callbacks for the
		// same message cannot interleave read-compare-write.
		msg, err := tx.Messages().GetByProviderSID(ctx, ev.MessageSID)
		if err != nil {
			return err
		}

		apply, effective := status.Resolve(msg.MessageStatus, incoming)
		if apply {
			if err := tx.Messages().UpdateDeliveryStatus(ctx, msg.ID, effective, ev.ErrorCode, nil); err != nil {
				return err
			}
			outcome = OutcomeApplied
		}

		if ev.ErrorCode != nil && status.IsPermanentFailureCode(*ev.ErrorCode) {
			if err := tx.Phones().SetStatus(ctx, msg.PhoneNumberID, model.VerificationInvalid); err != nil {
				return err
			}
			r.log.Info("number marked invalid", "phone_id", msg.PhoneNumberID, "error_code", *ev.ErrorCode)
		}
		return nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}

	if outcome == OutcomeSuperseded {
		r.log.Info("status callback superseded", "provider_sid", ev.MessageSID, "incoming", ev.MessageStatus)
	} else {
		r.log.Info("status applied", "provider_sid", ev.MessageSID, "status", ev.MessageStatus)
	}
	return outcome, nil
}

// HandleResponse records a user reply. Free-text replies are acknowledged
// and ignored; button presses update the replied-to message and flip the
// phone's verification status.
func (r *Reconciler) HandleResponse(ctx context.Context, ev ResponseEvent) (Outcome, error) {
	if ev.MessageType == "text" {
		return OutcomeIgnored, nil
	}

	number, err := phone.Normalize(ev.From)
	if err != nil {
		r.log.Warn("response from unparseable number", "from", ev.From)
		return OutcomeNotFound, nil
	}
	variants := phone.SearchVariants(number)

	newStatus := model.VerificationNotVerified
	if ev.ButtonText == affirmativeButton {
		newStatus = model.VerificationVerified
	}

	outcome := OutcomeApplied
	err = r.store.Do(ctx, func(tx repo.Tx) error {
		phoneRec, err := tx.Phones().FindByNumbers(ctx, variants)
		if err != nil {
			return err
		}

		// The replied-to message may be missing (e.g. sent before this
		// system existed); the phone status still updates.
		if ev.OriginalRepliedMessageSID != "" {
			msg, err := tx.Messages().GetByProviderSID(ctx, ev.OriginalRepliedMessageSID)
			switch {
			case err == nil:
				if err := tx.Messages().RecordResponse(ctx, msg.ID, ev.ButtonText, r.opts.Now()); err != nil {
					return err
				}
			case errors.Is(err, repo.ErrNotFound):
				r.log.Warn("response for unknown message", "provider_sid", ev.OriginalRepliedMessageSID)
			default:
				return err
			}
		}

		return tx.Phones().SetStatus(ctx, phoneRec.ID, newStatus)
	})
	if errors.Is(err, repo.ErrNotFound) {
		r.log.Warn("response from unknown number", "number", number)
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}

	r.log.Info("response recorded", "number", number, "button", ev.ButtonText, "status", string(newStatus))
	return outcome, nil
}
