package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lamim/docforge/internal/metrics"
	"github.com/lamim/docforge/internal/snapshot"
	"github.com/lamim/docforge/internal/verify"
	"github.com/lamim/docforge/pkg/models"
)

// fakeCall is one pending Generate invocation; the test answers it via reply
type fakeCall struct {
	ctx      context.Context
	snapshot models.FormData
	proof    string
	reply    chan fakeReply
}

type fakeReply struct {
	out *models.GenerationOutput
	err error
}

// fakeGenerator hands every call to the test and ignores ctx, so a late
// response can arrive after its attempt was revoked
type fakeGenerator struct {
	calls chan *fakeCall
	count atomic.Int32
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: make(chan *fakeCall, 16)}
}

func (f *fakeGenerator) Generate(ctx context.Context, snap models.FormData, proof string) (*models.GenerationOutput, error) {
	f.count.Add(1)
	c := &fakeCall{ctx: ctx, snapshot: snap, proof: proof, reply: make(chan fakeReply, 1)}
	f.calls <- c
	r := <-c.reply
	return r.out, r.err
}

func (f *fakeGenerator) next(t *testing.T) *fakeCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a Generate call")
		return nil
	}
}

func (c *fakeCall) succeed(doc string) {
	c.reply <- fakeReply{out: &models.GenerationOutput{
		Document: doc,
		Metadata: models.DocumentMetadata{Model: "test-model"},
		Usage:    models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}}
}

func (c *fakeCall) fail(err error) {
	c.reply <- fakeReply{err: err}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestOrchestrator(gen Generator, reverifier verify.Reverifier, opts ...Option) *Orchestrator {
	logger := testLogger()
	gate := verify.NewGate(verify.StaticProvider("proof-1"), reverifier, logger)
	return New(gen, gate, metrics.NewCollector(logger), logger, opts...)
}

func waitDone(t *testing.T, att *Attempt) (*models.GenerationResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := att.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Timed out waiting for attempt to resolve")
	}
	return res, err
}

func TestStart_CommitsReady(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	form := models.FormData{"name": "A", "parties": []any{"Acme", "Bob"}}
	att, err := o.Start(form)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := o.State()
	if st.Status != models.StatusPending {
		t.Fatalf("Expected pending, got %s", st.Status)
	}
	if st.SnapshotHash != snapshot.Hash(form) || att.Hash() != st.SnapshotHash {
		t.Fatalf("Snapshot hash mismatch: state %s, attempt %s", st.SnapshotHash, att.Hash())
	}

	call := gen.next(t)
	if call.proof != "proof-1" {
		t.Errorf("Expected proof-1, got %q", call.proof)
	}
	call.succeed("LEASE AGREEMENT")

	res, err := waitDone(t, att)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if res.Document != "LEASE AGREEMENT" {
		t.Errorf("Unexpected document %q", res.Document)
	}

	st = o.State()
	if st.Status != models.StatusReady {
		t.Fatalf("Expected ready, got %s", st.Status)
	}
	if st.Result == nil || snapshot.Hash(st.Result.FormDataSnapshot) != st.SnapshotHash {
		t.Error("Result snapshot must hash to the state's snapshot hash")
	}
	if st.Result.Usage.TotalTokens != 30 {
		t.Errorf("Expected usage to be carried, got %+v", st.Result.Usage)
	}
	if st.CompletedAt.Before(st.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}
}

func TestStart_Idempotent(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	form := models.FormData{"b": 2, "a": 1}
	first, _ := o.Start(form)
	second, _ := o.Start(models.FormData{"a": 1, "b": 2}) // same content, other key order
	if first != second {
		t.Error("Expected the same handle while pending")
	}

	call := gen.next(t)
	call.succeed("doc")
	waitDone(t, first)

	third, _ := o.Start(form)
	if third != first {
		t.Error("Expected the same handle while ready")
	}

	if got := gen.count.Load(); got != 1 {
		t.Errorf("Expected exactly one transport call, got %d", got)
	}
}

func TestStart_NoStaleCommit(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	attA, _ := o.Start(models.FormData{"name": "A"})
	callA := gen.next(t)
	attB, _ := o.Start(models.FormData{"name": "B"})
	callB := gen.next(t)

	select {
	case <-callA.ctx.Done():
	default:
		t.Error("Superseded attempt's context should be cancelled")
	}

	// A's late success must not commit
	callA.succeed("doc for A")
	if _, err := waitDone(t, attA); !errors.Is(err, ErrSuperseded) {
		t.Errorf("Expected ErrSuperseded for A, got %v", err)
	}

	st := o.State()
	if st.Status != models.StatusPending || st.SnapshotHash != attB.Hash() {
		t.Fatalf("Expected pending for B, got %s / %s", st.Status, st.SnapshotHash)
	}

	callB.succeed("doc for B")
	res, err := waitDone(t, attB)
	if err != nil {
		t.Fatalf("B failed: %v", err)
	}
	if res.Document != "doc for B" {
		t.Errorf("Expected B's document, got %q", res.Document)
	}
	if st := o.State(); st.Result == nil || st.Result.Document != "doc for B" {
		t.Error("State must show B's result")
	}
}

func TestStart_AtMostOneLiveToken(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	var calls []*fakeCall
	for i := 0; i < 5; i++ {
		if _, err := o.Start(models.FormData{"i": i}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		calls = append(calls, gen.next(t))

		live := 0
		for _, c := range calls {
			if c.ctx.Err() == nil {
				live++
			}
		}
		if live != 1 {
			t.Fatalf("After %d starts expected 1 live token, got %d", i+1, live)
		}
	}

	for _, c := range calls {
		c.succeed("doc")
	}
}

func TestStart_SnapshotByValue(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	items := []any{"clause-1"}
	form := models.FormData{"clauses": items}
	att, _ := o.Start(form)

	items[0] = "edited"
	form["extra"] = true

	call := gen.next(t)
	if snapshot.Hash(call.snapshot) != att.Hash() {
		t.Error("Snapshot handed to the transport changed after Start")
	}
	call.succeed("doc")
	waitDone(t, att)

	st := o.State()
	if snapshot.Hash(st.Result.FormDataSnapshot) != att.Hash() {
		t.Error("Committed snapshot was affected by later edits")
	}
}

func TestStart_FailureCommitsError(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	form := models.FormData{"name": "A"}
	att, _ := o.Start(form)
	gen.next(t).fail(errors.New("service unavailable"))

	if _, err := waitDone(t, att); err == nil {
		t.Fatal("Expected failure")
	}

	st := o.State()
	if st.Status != models.StatusError {
		t.Fatalf("Expected error status, got %s", st.Status)
	}
	if st.Error == "" || !st.Retryable {
		t.Errorf("Expected a retryable error message, got %q retryable=%v", st.Error, st.Retryable)
	}
	if st.Result != nil {
		t.Error("Error state must not carry a result")
	}

	// Retrying the same snapshot calls the transport again
	retry, _ := o.Start(form)
	if retry == att {
		t.Error("Expected a new attempt after error")
	}
	gen.next(t).succeed("doc")
	waitDone(t, retry)
	if got := gen.count.Load(); got != 2 {
		t.Errorf("Expected 2 transport calls, got %d", got)
	}
}

func TestCancel_PreemptsFailure(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	att, _ := o.Start(models.FormData{"name": "A"})
	call := gen.next(t)
	o.Cancel(models.ReasonManual)
	call.fail(errors.New("late failure"))

	if _, err := waitDone(t, att); !errors.Is(err, ErrSuperseded) {
		t.Errorf("Expected ErrSuperseded, got %v", err)
	}
	// Give the run goroutine a moment to observe the late failure
	time.Sleep(20 * time.Millisecond)
	if st := o.State(); st.Status != models.StatusIdle {
		t.Errorf("Cancelled attempt must never become error, got %s", st.Status)
	}
}

func TestCancel_Reasons(t *testing.T) {
	tests := []struct {
		name       string
		reason     models.StaleReason
		wantStatus models.Status
		keepResult bool
	}{
		{"consumed", models.ReasonConsumed, models.StatusIdle, false},
		{"manual", models.ReasonManual, models.StatusIdle, false},
		{"form updated", models.ReasonFormUpdated, models.StatusIdle, false},
		{"navigation", models.ReasonNavigation, models.StatusStale, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newFakeGenerator()
			o := newTestOrchestrator(gen, nil)

			att, _ := o.Start(models.FormData{"name": "A"})
			gen.next(t).succeed("doc")
			waitDone(t, att)

			o.Cancel(tt.reason)
			st := o.State()
			if st.Status != tt.wantStatus {
				t.Fatalf("Expected %s, got %s", tt.wantStatus, st.Status)
			}
			if tt.keepResult {
				if st.Result == nil || st.SnapshotHash != att.Hash() || st.StaleReason != tt.reason {
					t.Errorf("Stale state should keep result, hash and reason: %+v", st)
				}
			} else if st.Result != nil || st.SnapshotHash != "" {
				t.Errorf("Idle state should be cleared: %+v", st)
			}
		})
	}
}

func TestCancel_NavigationWhilePending(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	att, _ := o.Start(models.FormData{"name": "A"})
	call := gen.next(t)
	o.Cancel(models.ReasonNavigation)

	st := o.State()
	if st.Status != models.StatusStale || st.SnapshotHash != att.Hash() {
		t.Fatalf("Expected stale with preserved hash, got %+v", st)
	}

	call.succeed("late doc")
	waitDone(t, att)
	time.Sleep(20 * time.Millisecond)
	if st := o.State(); st.Status != models.StatusStale || st.Result != nil {
		t.Errorf("Late response must not commit into a stale state: %+v", st)
	}

	// Stale is left by consuming or resetting
	o.Cancel(models.ReasonManual)
	if st := o.State(); st.Status != models.StatusIdle {
		t.Errorf("Expected idle after manual, got %s", st.Status)
	}
}

func TestCancel_IdleStaysIdle(t *testing.T) {
	o := newTestOrchestrator(newFakeGenerator(), nil)
	o.Cancel(models.ReasonNavigation)
	if st := o.State(); st.Status != models.StatusIdle {
		t.Errorf("Expected idle, got %s", st.Status)
	}
}

func TestObserveEdit(t *testing.T) {
	formA := models.FormData{"name": "A"}
	formB := models.FormData{"name": "B"}
	hA, hB := snapshot.Hash(formA), snapshot.Hash(formB)

	tests := []struct {
		name       string
		policy     InvalidationPolicy
		prev, next string
		want       bool
	}{
		{"edit away from snapshot", InvalidateOnTransition, hA, hB, true},
		{"edit that keeps the hash", InvalidateOnTransition, hA, hA, false},
		{"edit back to snapshot", InvalidateOnTransition, hB, hA, false},
		{"edit between other values", InvalidateOnTransition, hB, "other", false},
		{"any edit policy", InvalidateOnAnyEdit, hA, hA, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newFakeGenerator()
			o := newTestOrchestrator(gen, nil, WithInvalidation(tt.policy))
			att, _ := o.Start(formA)
			call := gen.next(t)
			defer call.succeed("doc")

			if got := o.ObserveEdit(tt.prev, tt.next); got != tt.want {
				t.Fatalf("ObserveEdit() = %v, want %v", got, tt.want)
			}
			st := o.State()
			if tt.want {
				if st.Status != models.StatusIdle {
					t.Errorf("Expected idle after invalidating edit, got %s", st.Status)
				}
				if _, err := waitDone(t, att); !errors.Is(err, ErrSuperseded) {
					t.Errorf("Expected attempt superseded, got %v", err)
				}
			} else if st.Status != models.StatusPending {
				t.Errorf("Expected pending to survive, got %s", st.Status)
			}
		})
	}
}

func TestObserveEdit_IdleIgnored(t *testing.T) {
	o := newTestOrchestrator(newFakeGenerator(), nil, WithInvalidation(InvalidateOnAnyEdit))
	if o.ObserveEdit("a", "b") {
		t.Error("Edits while idle must not cancel anything")
	}
}

// Scenario: {name:"A"} starts, transport takes 2s in reality; an edit to
// {name:"B"} cancels it and the eventual late resolution is discarded.
func TestScenario_EditCancelsThenLateResponseDiscarded(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	formA := models.FormData{"name": "A"}
	attA, _ := o.Start(formA)
	callA := gen.next(t)

	formB := models.FormData{"name": "B"}
	if !o.ObserveEdit(snapshot.Hash(formA), snapshot.Hash(formB)) {
		t.Fatal("Edit should cancel the in-flight attempt")
	}
	if st := o.State(); st.Status != models.StatusIdle {
		t.Fatalf("Expected idle after edit, got %s", st.Status)
	}

	attB, _ := o.Start(formB)
	callB := gen.next(t)

	callA.succeed("doc A")
	waitDone(t, attA)
	time.Sleep(20 * time.Millisecond)

	st := o.State()
	if st.Status != models.StatusPending || st.SnapshotHash != attB.Hash() {
		t.Fatalf("Late response for A corrupted state: %+v", st)
	}
	callB.succeed("doc B")
	waitDone(t, attB)
}

// Scenario: proof expires mid-flight, user re-verifies, the same attempt commits
// with its original StartedAt.
func TestScenario_VerificationExpiredResumes(t *testing.T) {
	gen := newFakeGenerator()

	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}

	reverified := make(chan struct{}, 1)
	o := newTestOrchestrator(gen, func(ctx context.Context) (string, error) {
		reverified <- struct{}{}
		return "proof-2", nil
	}, WithClock(clock))

	att, _ := o.Start(models.FormData{"name": "A"})
	startedAt := o.State().StartedAt

	first := gen.next(t)
	first.fail(verify.ErrExpired)

	select {
	case <-reverified:
	case <-time.After(2 * time.Second):
		t.Fatal("Reverifier was not called")
	}

	second := gen.next(t)
	if second.proof != "proof-2" {
		t.Errorf("Expected fresh proof on resumed call, got %q", second.proof)
	}
	if second.ctx != first.ctx {
		t.Error("Resumed call must reuse the attempt's token")
	}
	if st := o.State(); st.Status != models.StatusPending || st.StartedAt != startedAt {
		t.Errorf("Expected pending with unchanged StartedAt during resume, got %+v", st)
	}

	second.succeed("doc")
	if _, err := waitDone(t, att); err != nil {
		t.Fatalf("Expected success after re-verification, got %v", err)
	}

	st := o.State()
	if st.Status != models.StatusReady || st.SnapshotHash != att.Hash() {
		t.Fatalf("Expected ready for original snapshot, got %+v", st)
	}
	if !st.StartedAt.Equal(startedAt) {
		t.Errorf("StartedAt changed: %v -> %v", startedAt, st.StartedAt)
	}
}

func TestVerification_Declined(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, func(ctx context.Context) (string, error) {
		return "", verify.ErrDeclined
	})

	att, _ := o.Start(models.FormData{"name": "A"})
	gen.next(t).fail(verify.ErrExpired)

	_, err := waitDone(t, att)
	if !errors.Is(err, verify.ErrDeclined) {
		t.Fatalf("Expected declined error, got %v", err)
	}
	if st := o.State(); st.Status != models.StatusIdle {
		t.Errorf("Declined verification cancels with manual (idle), got %s", st.Status)
	}
}

func TestVerification_RevokedWhileWaiting(t *testing.T) {
	gen := newFakeGenerator()
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	o := newTestOrchestrator(gen, func(ctx context.Context) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return "proof-2", nil
	})

	formA := models.FormData{"name": "A"}
	att, _ := o.Start(formA)
	gen.next(t).fail(verify.ErrExpired)
	<-entered

	// Unrelated edit arrives while the user is re-verifying
	o.ObserveEdit(snapshot.Hash(formA), snapshot.Hash(models.FormData{"name": "B"}))
	close(release)

	if _, err := waitDone(t, att); !errors.Is(err, ErrSuperseded) {
		t.Errorf("Expected ErrSuperseded, got %v", err)
	}

	select {
	case c := <-gen.calls:
		c.succeed("should not happen")
		t.Fatal("Resumed call must be abandoned after revocation")
	case <-time.After(50 * time.Millisecond):
	}
	if st := o.State(); st.Status != models.StatusIdle {
		t.Errorf("Expected idle, got %s", st.Status)
	}
}

func TestVerification_MaxRenewals(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, func(ctx context.Context) (string, error) {
		return "proof-n", nil
	}, WithMaxReverifications(1))

	att, _ := o.Start(models.FormData{"name": "A"})
	gen.next(t).fail(verify.ErrExpired)
	gen.next(t).fail(verify.ErrExpired)

	_, err := waitDone(t, att)
	if !errors.Is(err, verify.ErrExpired) {
		t.Fatalf("Expected expiry error after giving up, got %v", err)
	}
	if st := o.State(); st.Status != models.StatusError {
		t.Errorf("Expected error status, got %s", st.Status)
	}
	if got := gen.count.Load(); got != 2 {
		t.Errorf("Expected 2 calls, got %d", got)
	}
}

func TestVerification_Misconfigured(t *testing.T) {
	gen := newFakeGenerator()
	logger := testLogger()
	gate := verify.NewGate(verify.StaticProvider(""), nil, logger)
	o := New(gen, gate, metrics.NewCollector(logger), logger)

	att, _ := o.Start(models.FormData{"name": "A"})
	_, err := waitDone(t, att)
	if !errors.Is(err, verify.ErrMisconfigured) {
		t.Fatalf("Expected ErrMisconfigured, got %v", err)
	}

	st := o.State()
	if st.Status != models.StatusError || st.Retryable {
		t.Errorf("Expected non-retryable error, got %+v", st)
	}
	if got := gen.count.Load(); got != 0 {
		t.Errorf("Transport must not be called without a proof, got %d calls", got)
	}
}

type panicGenerator struct{}

func (panicGenerator) Generate(ctx context.Context, snap models.FormData, proof string) (*models.GenerationOutput, error) {
	panic("transport bug")
}

func TestRun_RecoversPanic(t *testing.T) {
	o := newTestOrchestrator(panicGenerator{}, nil)
	att, _ := o.Start(models.FormData{"name": "A"})

	if _, err := waitDone(t, att); err == nil {
		t.Fatal("Expected an error from a panicking transport")
	}
	if st := o.State(); st.Status != models.StatusError {
		t.Errorf("Expected error status, got %s", st.Status)
	}
}

func TestState_ReturnsCopy(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	att, _ := o.Start(models.FormData{"name": "A"})
	gen.next(t).succeed("doc")
	waitDone(t, att)

	st := o.State()
	st.Result.FormDataSnapshot["name"] = "mutated"
	st.Result.Document = "mutated"

	again := o.State()
	if again.Result.Document != "doc" || snapshot.Hash(again.Result.FormDataSnapshot) != att.Hash() {
		t.Error("Mutating a returned state must not affect the orchestrator")
	}
}

func TestClose(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(gen, nil)

	att, _ := o.Start(models.FormData{"name": "A"})
	call := gen.next(t)
	o.Close()
	call.succeed("doc")

	if _, err := waitDone(t, att); !errors.Is(err, ErrSuperseded) {
		t.Errorf("Expected ErrSuperseded, got %v", err)
	}
	if st := o.State(); st.Status != models.StatusIdle {
		t.Errorf("Expected idle after Close, got %s", st.Status)
	}
}

func TestClose_ForgetsRenewedProof(t *testing.T) {
	gen := newFakeGenerator()
	logger := testLogger()
	gate := verify.NewGate(verify.StaticProvider("proof-1"), func(ctx context.Context) (string, error) {
		return "proof-2", nil
	}, logger)
	o := New(gen, gate, metrics.NewCollector(logger), logger)

	att, _ := o.Start(models.FormData{"name": "A"})
	gen.next(t).fail(verify.ErrExpired)
	gen.next(t).succeed("doc")
	waitDone(t, att)

	if proof, _ := gate.Proof(context.Background()); proof != "proof-2" {
		t.Fatalf("Expected renewed proof before Close, got %q", proof)
	}
	o.Close()
	if proof, _ := gate.Proof(context.Background()); proof != "proof-1" {
		t.Errorf("Expected provider proof after Close, got %q", proof)
	}
}
