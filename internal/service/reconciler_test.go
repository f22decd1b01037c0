package service

import (
	"context"
	"testing"
	"time"

	"github.com/example/verify-campaigns/internal/model"
	"github.com/example/verify-campaigns/internal/repo"
)

func newTestReconciler(store repo.Store) *Reconciler {
	return NewReconciler(store, ReconcilerOptions{
		LookupAttempts: 2,
		LookupDelay:    time.Millisecond,
	})
}

func seedMessage(t *testing.T, store *repo.MemoryStore, number, sid string) (*model.PhoneNumber, int64) {
	t.Helper()

	p := store.SeedPhone(model.PhoneNumber{
		Number:                         number,
		Status:                         model.VerificationPending,
		HasReceivedVerificationMessage: true,
	})
	id, err := store.Messages().Create(context.Background(), &model.Message{
		PhoneNumberID: p.ID,
		SentAt:        time.Now().UTC(),
		TemplateUsed:  "HXtemplate",
		ProviderSID:   &sid,
		MessageStatus: model.DeliveryQueued,
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return p, id
}

func messageStatus(t *testing.T, store *repo.MemoryStore, sid string) model.DeliveryStatus {
	t.Helper()

	m, err := store.Messages().GetByProviderSID(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetByProviderSID(%q): %v", sid, err)
	}
	return m.MessageStatus
}

func TestHandleDeliveryStatus_AppliesHigherPrecedence(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	outcome, err := r.HandleDeliveryStatus(ctx, DeliveryStatusEvent{
		To: "whatsapp:+525511112222", MessageSID: "SM1", MessageStatus: "delivered",
	})
	if err != nil {
		t.Fatalf("HandleDeliveryStatus() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	if got := messageStatus(t, store, "SM1"); got != model.DeliveryDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
}

func TestHandleDeliveryStatus_LateSentDoesNotRegress(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	// delivered arrives first, then the delayed sent callback.
	if _, err := r.HandleDeliveryStatus(ctx, DeliveryStatusEvent{MessageSID: "SM1", MessageStatus: "delivered"}); err != nil {
		t.Fatalf("HandleDeliveryStatus(delivered) error: %v", err)
	}
	outcome, err := r.HandleDeliveryStatus(ctx, DeliveryStatusEvent{MessageSID: "SM1", MessageStatus: "sent"})
	if err != nil {
		t.Fatalf("HandleDeliveryStatus(sent) error: %v", err)
	}

	if outcome != OutcomeSuperseded {
		t.Fatalf("expected superseded, got %s", outcome)
	}
	if got := messageStatus(t, store, "SM1"); got != model.DeliveryDelivered {
		t.Fatalf("expected delivered to stick, got %s", got)
	}
}

func TestHandleDeliveryStatus_DuplicateEventIsIdempotent(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	ev := DeliveryStatusEvent{MessageSID: "SM1", MessageStatus: "sent"}

	first, err := r.HandleDeliveryStatus(ctx, ev)
	if err != nil {
		t.Fatalf("first event error: %v", err)
	}
	second, err := r.HandleDeliveryStatus(ctx, ev)
	if err != nil {
		t.Fatalf("second event error: %v", err)
	}

	if first != OutcomeApplied || second != OutcomeSuperseded {
		t.Fatalf("expected applied then superseded, got %s, %s", first, second)
	}
	if got := messageStatus(t, store, "SM1"); got != model.DeliverySent {
		t.Fatalf("expected sent, got %s", got)
	}
}

func TestHandleDeliveryStatus_UnknownSIDAfterRetries(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	r := newTestReconciler(store)

	outcome, err := r.HandleDeliveryStatus(context.Background(), DeliveryStatusEvent{
		MessageSID: "SMmissing", MessageStatus: "delivered",
	})
	if err != nil {
		t.Fatalf("HandleDeliveryStatus() error: %v", err)
	}
	if outcome != OutcomeNotFound {
		t.Fatalf("expected not_found, got %s", outcome)
	}
}

// lateStore makes the first n SID lookups miss, mimicking a callback racing
// the dispatcher's commit.
type lateStore struct {
	*repo.MemoryStore
	misses int
}

func (s *lateStore) Messages() repo.MessageRepository {
	return &lateMessages{MessageRepository: s.MemoryStore.Messages(), store: s}
}

type lateMessages struct {
	repo.MessageRepository
	store *lateStore
}

func (m *lateMessages) GetByProviderSID(ctx context.Context, sid string) (*model.Message, error) {
	if m.store.misses > 0 {
		m.store.misses--
		return nil, repo.ErrNotFound
	}
	return m.MessageRepository.GetByProviderSID(ctx, sid)
}

func TestHandleDeliveryStatus_RetriesAbsorbCommitRace(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryStore()
	seedMessage(t, mem, "+525511112222", "SM1")
	store := &lateStore{MemoryStore: mem, misses: 1}
	r := newTestReconciler(store)

	outcome, err := r.HandleDeliveryStatus(context.Background(), DeliveryStatusEvent{
		MessageSID: "SM1", MessageStatus: "sent",
	})
	if err != nil {
		t.Fatalf("HandleDeliveryStatus() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied after retry, got %s", outcome)
	}
}

func TestHandleDeliveryStatus_PermanentErrorMarksNumberInvalid(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	p, _ := seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	code := 63024
	outcome, err := r.HandleDeliveryStatus(ctx, DeliveryStatusEvent{
		MessageSID: "SM1", MessageStatus: "failed", ErrorCode: &code,
	})
	if err != nil {
		t.Fatalf("HandleDeliveryStatus() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	got, err := store.Phones().GetByNumber(ctx, p.Number)
	if err != nil {
		t.Fatalf("GetByNumber() error: %v", err)
	}
	if got.Status != model.VerificationInvalid {
		t.Fatalf("expected invalid, got %s", got.Status)
	}
	if messageStatus(t, store, "SM1") != model.DeliveryFailed {
		t.Fatalf("expected failed message status")
	}
}

func TestHandleDeliveryStatus_TransientErrorKeepsNumber(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	p, _ := seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	code := 30001 // queue overflow, retryable
	if _, err := r.HandleDeliveryStatus(ctx, DeliveryStatusEvent{
		MessageSID: "SM1", MessageStatus: "undelivered", ErrorCode: &code,
	}); err != nil {
		t.Fatalf("HandleDeliveryStatus() error: %v", err)
	}

	got, err := store.Phones().GetByNumber(ctx, p.Number)
	if err != nil {
		t.Fatalf("GetByNumber() error: %v", err)
	}
	if got.Status == model.VerificationInvalid {
		t.Fatalf("transient error must not invalidate the number")
	}
}

func TestHandleResponse_FreeTextIsIgnored(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	p, _ := seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	outcome, err := r.HandleResponse(ctx, ResponseEvent{
		From:        "whatsapp:+525511112222",
		MessageType: "text",
		ButtonText:  "",
	})
	if err != nil {
		t.Fatalf("HandleResponse() error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}

	got, _ := store.Phones().GetByNumber(ctx, p.Number)
	if got.Status != model.VerificationPending {
		t.Fatalf("free text must not change verification status, got %s", got.Status)
	}
}

func TestHandleResponse_AffirmativeButtonVerifies(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	p, _ := seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	outcome, err := r.HandleResponse(ctx, ResponseEvent{
		From:                      "whatsapp:+525511112222",
		MessageType:               "interactive",
		ButtonText:                "Si",
		OriginalRepliedMessageSID: "SM1",
	})
	if err != nil {
		t.Fatalf("HandleResponse() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	got, _ := store.Phones().GetByNumber(ctx, p.Number)
	if got.Status != model.VerificationVerified {
		t.Fatalf("expected verified, got %s", got.Status)
	}

	msg, err := store.Messages().GetByProviderSID(ctx, "SM1")
	if err != nil {
		t.Fatalf("GetByProviderSID() error: %v", err)
	}
	if msg.ResponseReceived == nil || *msg.ResponseReceived != "Si" {
		t.Fatalf("expected response recorded, got %+v", msg)
	}
	if msg.RespondedAt == nil {
		t.Fatalf("expected respondedAt set")
	}
}

func TestHandleResponse_OtherButtonMarksNotVerified(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	p, _ := seedMessage(t, store, "+525511112222", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	if _, err := r.HandleResponse(ctx, ResponseEvent{
		From:                      "whatsapp:+525511112222",
		MessageType:               "interactive",
		ButtonText:                "No",
		OriginalRepliedMessageSID: "SM1",
	}); err != nil {
		t.Fatalf("HandleResponse() error: %v", err)
	}

	got, _ := store.Phones().GetByNumber(ctx, p.Number)
	if got.Status != model.VerificationNotVerified {
		t.Fatalf("expected not_verified, got %s", got.Status)
	}
}

func TestHandleResponse_MatchesMobilePrefixVariant(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	// Stored without the legacy mobile prefix; the gateway reports with it.
	p, _ := seedMessage(t, store, "+525512345678", "SM1")
	r := newTestReconciler(store)
	ctx := context.Background()

	outcome, err := r.HandleResponse(ctx, ResponseEvent{
		From:                      "whatsapp:+5215512345678",
		MessageType:               "interactive",
		ButtonText:                "Si",
		OriginalRepliedMessageSID: "SM1",
	})
	if err != nil {
		t.Fatalf("HandleResponse() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	got, _ := store.Phones().GetByNumber(ctx, p.Number)
	if got.Status != model.VerificationVerified {
		t.Fatalf("expected verified via variant match, got %s", got.Status)
	}
}

func TestHandleResponse_UnknownNumberIsNotFound(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	r := newTestReconciler(store)

	outcome, err := r.HandleResponse(context.Background(), ResponseEvent{
		From:        "whatsapp:+525599998888",
		MessageType: "interactive",
		ButtonText:  "Si",
	})
	if err != nil {
		t.Fatalf("HandleResponse() error: %v", err)
	}
	if outcome != OutcomeNotFound {
		t.Fatalf("expected not_found, got %s", outcome)
	}
}

func TestHandleResponse_UnknownRepliedMessageStillUpdatesPhone(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	p := store.SeedPhone(model.PhoneNumber{
		Number: "+525511112222",
		Status: model.VerificationPending,
	})
	r := newTestReconciler(store)
	ctx := context.Background()

	outcome, err := r.HandleResponse(ctx, ResponseEvent{
		From:                      "whatsapp:+525511112222",
		MessageType:               "interactive",
		ButtonText:                "Si",
		OriginalRepliedMessageSID: "SMgone",
	})
	if err != nil {
		t.Fatalf("HandleResponse() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	got, _ := store.Phones().GetByNumber(ctx, p.Number)
	if got.Status != model.VerificationVerified {
		t.Fatalf("expected verified, got %s", got.Status)
	}
}
