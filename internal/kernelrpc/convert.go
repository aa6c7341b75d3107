// Package kernelrpc exposes the kernel's six RPC operations (spec.md
// §4.6) as a hand-rolled grpc.ServiceDesc, since the teacher's actual
// service descriptors are goa-DSL codegen output (registry/gen/grpc)
// that is not checked into the pack and cannot be regenerated without
// running the Go toolchain. The wire messages are pkg/kernelpb's plain
// JSON-tagged structs, carried over grpc via kernelpb's registered JSON
// codec instead of protobuf.
package kernelrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/minoots/kernel/internal/kernel"
	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/timer"
	"github.com/minoots/kernel/pkg/kernelpb"
)

func toRecord(t *timer.Timer) *kernelpb.TimerRecord {
	if t == nil {
		return nil
	}
	return &kernelpb.TimerRecord{
		TenantID:      t.TenantID,
		TimerID:       t.TimerID,
		Name:          t.Name,
		RequestedBy:   t.RequestedBy,
		DurationMs:    t.DurationMs,
		FireAt:        t.FireAt,
		CreatedAt:     t.CreatedAt,
		Status:        string(t.Status),
		Metadata:      t.Metadata,
		Labels:        t.Labels,
		ActionBundle:  t.ActionBundle,
		AgentBinding:  t.AgentBinding,
		JitterMs:      t.JitterMs,
		StateVersion:  t.StateVersion,
		FiredAt:       t.FiredAt,
		CancelledAt:   t.CancelledAt,
		CancelReason:  t.CancelReason,
		CancelledBy:   t.CancelledBy,
		SettledAt:     t.SettledAt,
		FailureReason: t.FailureReason,
		TraceID:       t.TraceID,
	}
}

func toRecords(ts []*timer.Timer) []*kernelpb.TimerRecord {
	out := make([]*kernelpb.TimerRecord, len(ts))
	for i, t := range ts {
		out[i] = toRecord(t)
	}
	return out
}

func toStatuses(ss []string) []timer.Status {
	out := make([]timer.Status, len(ss))
	for i, s := range ss {
		out[i] = timer.Status(s)
	}
	return out
}

// statusError maps a *kernelerr.Error to a grpc status, per spec.md
// §6.1's status-code table. A NotLeader error attaches leader_addr and
// retry_after_ms as trailing metadata so a client can redirect without
// parsing the message string.
func statusError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	kerr, ok := err.(*kernelerr.Error)
	if !ok {
		return status.Error(codes.Unknown, err.Error())
	}
	switch kerr.Kind {
	case kernelerr.Validation:
		return status.Error(codes.InvalidArgument, kerr.Message)
	case kernelerr.NotFound:
		return status.Error(codes.NotFound, kerr.Message)
	case kernelerr.Conflict:
		return status.Error(codes.FailedPrecondition, kerr.Message)
	case kernelerr.NotLeader:
		md := metadata.Pairs("leader_addr", kerr.LeaderAddr, "retry_after_ms", itoa(kerr.RetryAfterMs))
		_ = grpc.SetTrailer(ctx, md)
		return status.Error(codes.FailedPrecondition, kerr.Message)
	case kernelerr.PersistenceTransient:
		return status.Error(codes.Unavailable, kerr.Message)
	case kernelerr.SubscriberOverflow:
		return status.Error(codes.ResourceExhausted, kerr.Message)
	case kernelerr.BusOutage:
		return status.Error(codes.Unavailable, kerr.Message)
	case kernelerr.Fatal:
		return status.Error(codes.Internal, kerr.Message)
	default:
		return status.Error(codes.Unknown, kerr.Message)
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// kernelInterface is the subset of *kernel.Kernel the RPC layer depends
// on, named here to keep Server's dependency explicit and mockable.
type kernelInterface interface {
	Schedule(ctx context.Context, in kernel.ScheduleInput) (*timer.Timer, error)
	GetTimer(ctx context.Context, tenantID, timerID string) (*timer.Timer, error)
	ListTimers(ctx context.Context, tenantID string, statuses []timer.Status, labels map[string]string, pageToken string, limit int) ([]*timer.Timer, string, error)
	CancelTimer(ctx context.Context, tenantID, timerID, reason, cancelledBy string) (*timer.Timer, error)
	ReportTimerExecution(ctx context.Context, tenantID, timerID, finalStatus, result, execErr string) (*timer.Timer, error)
}
