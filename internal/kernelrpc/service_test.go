package kernelrpc

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/minoots/kernel/internal/events"
	"github.com/minoots/kernel/internal/kernel"
	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/timer"
	"github.com/minoots/kernel/pkg/kernelpb"
)

// fakeKernel is an in-process stand-in for *kernel.Kernel, scripted per
// test case, mirroring how coordinator_test.go stubs LeaseMap instead of
// exercising the real kernel end to end.
type fakeKernel struct {
	scheduleFn        func(ctx context.Context, in kernel.ScheduleInput) (*timer.Timer, error)
	getTimerFn        func(ctx context.Context, tenantID, timerID string) (*timer.Timer, error)
	listTimersFn      func(ctx context.Context, tenantID string, statuses []timer.Status, labels map[string]string, pageToken string, limit int) ([]*timer.Timer, string, error)
	cancelTimerFn     func(ctx context.Context, tenantID, timerID, reason, cancelledBy string) (*timer.Timer, error)
	reportExecutionFn func(ctx context.Context, tenantID, timerID, finalStatus, result, execErr string) (*timer.Timer, error)
}

func (f *fakeKernel) Schedule(ctx context.Context, in kernel.ScheduleInput) (*timer.Timer, error) {
	return f.scheduleFn(ctx, in)
}
func (f *fakeKernel) GetTimer(ctx context.Context, tenantID, timerID string) (*timer.Timer, error) {
	return f.getTimerFn(ctx, tenantID, timerID)
}
func (f *fakeKernel) ListTimers(ctx context.Context, tenantID string, statuses []timer.Status, labels map[string]string, pageToken string, limit int) ([]*timer.Timer, string, error) {
	return f.listTimersFn(ctx, tenantID, statuses, labels, pageToken, limit)
}
func (f *fakeKernel) CancelTimer(ctx context.Context, tenantID, timerID, reason, cancelledBy string) (*timer.Timer, error) {
	return f.cancelTimerFn(ctx, tenantID, timerID, reason, cancelledBy)
}
func (f *fakeKernel) ReportTimerExecution(ctx context.Context, tenantID, timerID, finalStatus, result, execErr string) (*timer.Timer, error) {
	return f.reportExecutionFn(ctx, tenantID, timerID, finalStatus, result, execErr)
}

func TestScheduleTranslatesRequestAndResponse(t *testing.T) {
	var gotIn kernel.ScheduleInput
	fk := &fakeKernel{
		scheduleFn: func(ctx context.Context, in kernel.ScheduleInput) (*timer.Timer, error) {
			gotIn = in
			return &timer.Timer{TenantID: in.TenantID, TimerID: "gen-1", Status: timer.Scheduled, StateVersion: 1, TraceID: in.TraceID}, nil
		},
	}
	s := &Server{kernel: fk}

	resp, err := s.Schedule(context.Background(), &kernelpb.ScheduleRequest{TenantID: "t1", Name: "reminder", DurationMs: 5000, TraceID: "trace-123"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if gotIn.TenantID != "t1" || gotIn.Name != "reminder" || gotIn.DurationMs != 5000 {
		t.Fatalf("unexpected translated input: %+v", gotIn)
	}
	if gotIn.TraceID != "trace-123" {
		t.Fatalf("expected trace_id to be forwarded into ScheduleInput, got %q", gotIn.TraceID)
	}
	if resp.Timer.TimerID != "gen-1" || resp.Timer.Status != string(timer.Scheduled) {
		t.Fatalf("unexpected response: %+v", resp.Timer)
	}
	if resp.Timer.TraceID != "trace-123" {
		t.Fatalf("expected trace_id to round-trip into the response record, got %q", resp.Timer.TraceID)
	}
}

func TestScheduleMapsValidationErrorToInvalidArgument(t *testing.T) {
	fk := &fakeKernel{
		scheduleFn: func(ctx context.Context, in kernel.ScheduleInput) (*timer.Timer, error) {
			return nil, kernelerr.New(kernelerr.Validation, "duration_ms must be positive")
		},
	}
	s := &Server{kernel: fk}

	_, err := s.Schedule(context.Background(), &kernelpb.ScheduleRequest{TenantID: "t1"})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestGetTimerMapsNotFoundError(t *testing.T) {
	fk := &fakeKernel{
		getTimerFn: func(ctx context.Context, tenantID, timerID string) (*timer.Timer, error) {
			return nil, kernelerr.New(kernelerr.NotFound, "no such timer")
		},
	}
	s := &Server{kernel: fk}

	_, err := s.GetTimer(context.Background(), &kernelpb.GetTimerRequest{TenantID: "t1", TimerID: "missing"})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCancelTimerMapsNotLeaderErrorToFailedPrecondition(t *testing.T) {
	fk := &fakeKernel{
		cancelTimerFn: func(ctx context.Context, tenantID, timerID, reason, cancelledBy string) (*timer.Timer, error) {
			return nil, kernelerr.NotLeaderErr("node-b:9090", 250)
		},
	}
	s := &Server{kernel: fk}

	_, err := s.CancelTimer(context.Background(), &kernelpb.CancelTimerRequest{TenantID: "t1", TimerID: "a"})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestListTimersPassesThroughFilters(t *testing.T) {
	var gotStatuses []timer.Status
	fk := &fakeKernel{
		listTimersFn: func(ctx context.Context, tenantID string, statuses []timer.Status, labels map[string]string, pageToken string, limit int) ([]*timer.Timer, string, error) {
			gotStatuses = statuses
			return []*timer.Timer{{TenantID: tenantID, TimerID: "a"}}, "next-token", nil
		},
	}
	s := &Server{kernel: fk}

	resp, err := s.ListTimers(context.Background(), &kernelpb.ListTimersRequest{TenantID: "t1", Statuses: []string{"scheduled"}})
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if len(gotStatuses) != 1 || gotStatuses[0] != timer.Scheduled {
		t.Fatalf("expected statuses translated, got %v", gotStatuses)
	}
	if resp.NextPageToken != "next-token" || len(resp.Timers) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestReportTimerExecutionPassesThroughArgs(t *testing.T) {
	fk := &fakeKernel{
		reportExecutionFn: func(ctx context.Context, tenantID, timerID, finalStatus, result, execErr string) (*timer.Timer, error) {
			if finalStatus != "settled" || result != "ok" {
				t.Fatalf("unexpected args: finalStatus=%q result=%q execErr=%q", finalStatus, result, execErr)
			}
			return &timer.Timer{TenantID: tenantID, TimerID: timerID, Status: timer.Settled}, nil
		},
	}
	s := &Server{kernel: fk}

	resp, err := s.ReportTimerExecution(context.Background(), &kernelpb.ReportTimerExecutionRequest{
		TenantID: "t1", TimerID: "a", FinalStatus: "settled", Result: "ok",
	})
	if err != nil {
		t.Fatalf("ReportTimerExecution: %v", err)
	}
	if resp.Timer.Status != string(timer.Settled) {
		t.Fatalf("unexpected response: %+v", resp.Timer)
	}
}

// fakeStream is a minimal eventStream that records every SendMsg call and
// cancels after the first delivery.
type fakeStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	received []*kernelpb.TimerEvent
}

func (s *fakeStream) Context() context.Context { return s.ctx }
func (s *fakeStream) SendMsg(m any) error {
	s.received = append(s.received, m.(*kernelpb.TimerEvent))
	s.cancel()
	return nil
}

func TestStreamTimerEventsForwardsMatchingEnvelope(t *testing.T) {
	hub := events.NewHub(events.NewSigner([]byte("k"), ""), nil, nil)
	s := &Server{kernel: &fakeKernel{}, hub: hub}

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx, cancel: cancel}

	done := make(chan error, 1)
	go func() {
		done <- s.StreamTimerEvents(&kernelpb.StreamTimerEventsRequest{TenantID: "t1"}, stream)
	}()

	// Give the subscription time to register before publishing.
	time.Sleep(10 * time.Millisecond)
	env, err := events.NewEnvelope("evt-1", events.KindFired, "t1", "timer-1", 1, time.Now(), nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := hub.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("StreamTimerEvents: %v", err)
	}
	if len(stream.received) != 1 || stream.received[0].TimerID != "timer-1" {
		t.Fatalf("expected one forwarded event for timer-1, got %+v", stream.received)
	}
	if stream.received[0].SignatureVersion == "" {
		t.Fatalf("expected the forwarded event to carry a signature_version")
	}
}

func TestStreamTimerEventsFailsWithoutHub(t *testing.T) {
	s := &Server{kernel: &fakeKernel{}}
	err := s.StreamTimerEvents(&kernelpb.StreamTimerEventsRequest{TenantID: "t1"}, &fakeStream{ctx: context.Background()})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal when no hub is configured, got %v", err)
	}
}
