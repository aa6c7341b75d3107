package kernelrpc

import (
	"context"

	"github.com/minoots/kernel/internal/events"
	"github.com/minoots/kernel/internal/kernel"
	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/telemetry"
	"github.com/minoots/kernel/pkg/kernelpb"
)

// Server implements the kernel's six RPC operations against a running
// *kernel.Kernel, translating between kernelpb wire messages and the
// kernel's internal/timer.Timer domain type.
type Server struct {
	kernel kernelInterface
	hub    *events.Hub
	logger telemetry.Logger
}

// NewServer builds a Server. hub is used only to serve StreamTimerEvents
// subscriptions; it may be nil in tests that never exercise streaming.
func NewServer(k *kernel.Kernel, hub *events.Hub, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{kernel: k, hub: hub, logger: logger}
}

// Schedule implements the Schedule RPC (spec.md §4.6).
func (s *Server) Schedule(ctx context.Context, req *kernelpb.ScheduleRequest) (*kernelpb.ScheduleResponse, error) {
	t, err := s.kernel.Schedule(ctx, kernel.ScheduleInput{
		TenantID:     req.TenantID,
		Name:         req.Name,
		RequestedBy:  req.RequestedBy,
		DurationMs:   req.DurationMs,
		Metadata:     req.Metadata,
		Labels:       req.Labels,
		ActionBundle: req.ActionBundle,
		AgentBinding: req.AgentBinding,
		TraceID:      req.TraceID,
	})
	if err != nil {
		return nil, statusError(ctx, err)
	}
	return &kernelpb.ScheduleResponse{Timer: toRecord(t)}, nil
}

// GetTimer implements the GetTimer RPC.
func (s *Server) GetTimer(ctx context.Context, req *kernelpb.GetTimerRequest) (*kernelpb.GetTimerResponse, error) {
	t, err := s.kernel.GetTimer(ctx, req.TenantID, req.TimerID)
	if err != nil {
		return nil, statusError(ctx, err)
	}
	return &kernelpb.GetTimerResponse{Timer: toRecord(t)}, nil
}

// ListTimers implements the ListTimers RPC.
func (s *Server) ListTimers(ctx context.Context, req *kernelpb.ListTimersRequest) (*kernelpb.ListTimersResponse, error) {
	records, next, err := s.kernel.ListTimers(ctx, req.TenantID, toStatuses(req.Statuses), req.Labels, req.PageToken, int(req.PageSize))
	if err != nil {
		return nil, statusError(ctx, err)
	}
	return &kernelpb.ListTimersResponse{Timers: toRecords(records), NextPageToken: next}, nil
}

// CancelTimer implements the CancelTimer RPC.
func (s *Server) CancelTimer(ctx context.Context, req *kernelpb.CancelTimerRequest) (*kernelpb.CancelTimerResponse, error) {
	t, err := s.kernel.CancelTimer(ctx, req.TenantID, req.TimerID, req.Reason, req.CancelledBy)
	if err != nil {
		return nil, statusError(ctx, err)
	}
	return &kernelpb.CancelTimerResponse{Timer: toRecord(t)}, nil
}

// ReportTimerExecution implements the ReportTimerExecution RPC.
func (s *Server) ReportTimerExecution(ctx context.Context, req *kernelpb.ReportTimerExecutionRequest) (*kernelpb.ReportTimerExecutionResponse, error) {
	t, err := s.kernel.ReportTimerExecution(ctx, req.TenantID, req.TimerID, req.FinalStatus, req.Result, req.Error)
	if err != nil {
		return nil, statusError(ctx, err)
	}
	return &kernelpb.ReportTimerExecutionResponse{Timer: toRecord(t)}, nil
}

// eventStream is the subset of grpc.ServerStream StreamTimerEvents needs.
type eventStream interface {
	Context() context.Context
	SendMsg(m any) error
}

// StreamTimerEvents implements the StreamTimerEvents RPC: it subscribes
// to the hub for req.TenantID and forwards every matching envelope until
// the client disconnects (spec.md §4.5/§4.6).
func (s *Server) StreamTimerEvents(req *kernelpb.StreamTimerEventsRequest, stream eventStream) error {
	if s.hub == nil {
		return statusError(stream.Context(), kernelerr.New(kernelerr.Fatal, "event hub not configured"))
	}
	topics := topicSet(req.Topics)
	ch, cancel := s.hub.Subscribe(req.TenantID, 0)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if len(topics) > 0 && !topics[string(env.EventType)] {
				continue
			}
			msg := &kernelpb.TimerEvent{
				EventID:          env.EventID,
				EventType:        string(env.EventType),
				TenantID:         env.TenantID,
				TimerID:          env.TimerID,
				OccurredAt:       env.OccurredAt,
				DedupeKey:        env.DedupeKey,
				Payload:          env.Payload,
				SignatureVersion: env.SignatureVersion,
				Signature:        env.Signature,
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func topicSet(topics []string) map[string]bool {
	if len(topics) == 0 {
		return nil
	}
	m := make(map[string]bool, len(topics))
	for _, t := range topics {
		m[t] = true
	}
	return m
}
