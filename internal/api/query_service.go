package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/telequery/internal/agent"
	"github.com/matheus3301/telequery/internal/contextualize"
	"github.com/matheus3301/telequery/internal/expand"
	"github.com/matheus3301/telequery/internal/indexer"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Version is reported by Status.
const Version = "1.1"

// Answerer answers one question.
type Answerer interface {
	Process(ctx context.Context, req agent.Request) agent.Response
}

// Maintainer runs expansion and index maintenance.
type Maintainer interface {
	ExpansionStats(ctx context.Context) (expand.Stats, error)
	RunExpansion(ctx context.Context, batchSize int) (expand.RunResult, error)
	ExpandMessage(ctx context.Context, id string) (int, error)
	Reindex(ctx context.Context) (indexer.Result, error)
	IndexCount(ctx context.Context) (int64, error)
	MessageCount(ctx context.Context) (int64, error)
	DroppedEvents() uint64
}

// QueryService implements telequery.v1.QueryService.
type QueryService struct {
	answerer   Answerer
	maintainer Maintainer
	machine    *status.Machine
	startedAt  time.Time
	logger     *zap.Logger
}

// NewQueryService creates the service.
func NewQueryService(answerer Answerer, maintainer Maintainer, machine *status.Machine, logger *zap.Logger) *QueryService {
	return &QueryService{
		answerer:   answerer,
		maintainer: maintainer,
		machine:    machine,
		startedAt:  time.Now(),
		logger:     logging.OrNop(logger),
	}
}

var _ QueryServer = (*QueryService)(nil)

// Query answers a question. Pipeline failures come back as a response with
// status "error", not as a gRPC error.
func (s *QueryService) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeQueryRequest(in)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid time range: %v", err)
	}
	if req.Question == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "question is required")
	}
	if s.machine != nil && !s.machine.Serving() {
		return nil, grpcstatus.Errorf(codes.Unavailable, "daemon is %s", s.machine.Current())
	}

	resp := s.answerer.Process(ctx, agent.Request{
		Question: req.Question,
		UserID:   req.UserID,
		ChatID:   req.ChatID,
		From:     req.From,
		To:       req.To,
		Debug:    req.Debug,
	})
	out, err := encodeResponse(resp)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *QueryService) ExpansionStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.maintainer.ExpansionStats(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "expansion stats: %v", err)
	}
	return newStruct(encodeStats(stats))
}

// RunExpansion runs one expansion pass with the requested batch_size, or
// expands only message_id when set. When reindex is set and rows were
// saved, the index is rebuilt.
func (s *QueryService) RunExpansion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	batchSize := intField(in, "batch_size")
	if batchSize < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "batch_size must not be negative")
	}
	var (
		out   map[string]any
		saved int
	)
	if id := stringField(in, "message_id"); id != "" {
		n, err := s.maintainer.ExpandMessage(ctx, id)
		if err != nil {
			return nil, rpcError("expand message", err)
		}
		saved = n
		out = map[string]any{"run": map[string]any{"message_id": id, "batches": 1, "saved": n}}
	} else {
		run, err := s.maintainer.RunExpansion(ctx, batchSize)
		if err != nil {
			return nil, rpcError("run expansion", err)
		}
		saved = run.Saved
		out = map[string]any{"run": encodeRun(run)}
	}
	if boolField(in, "reindex") && saved > 0 {
		res, err := s.maintainer.Reindex(ctx)
		if err != nil {
			return nil, rpcError("reindex", err)
		}
		out["index"] = encodeIndex(res)
	}
	stats, err := s.maintainer.ExpansionStats(ctx)
	if err == nil {
		out["stats"] = encodeStats(stats)
	}
	return newStruct(out)
}

func (s *QueryService) Reindex(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.maintainer.Reindex(ctx)
	if err != nil {
		return nil, rpcError("reindex", err)
	}
	return newStruct(encodeIndex(res))
}

func (s *QueryService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"status":    "ok",
		"version":   Version,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if s.machine != nil {
		snap := s.machine.Snapshot()
		out["state"] = string(snap.State)
		out["state_since"] = snap.Since.UTC().Format(time.RFC3339)
		if snap.Reason != "" {
			out["reason"] = snap.Reason
		}
		if !s.machine.Serving() {
			out["status"] = "unavailable"
		}
	}
	if stats, err := s.maintainer.ExpansionStats(ctx); err == nil {
		out["expansion"] = encodeStats(stats)
	} else {
		s.logger.Warn("status: expansion stats failed", zap.Error(err))
	}
	if n, err := s.maintainer.IndexCount(ctx); err == nil {
		out["indexed_messages"] = n
	} else {
		s.logger.Warn("status: index count failed", zap.Error(err))
	}
	if n, err := s.maintainer.MessageCount(ctx); err == nil {
		out["stored_messages"] = n
	} else {
		s.logger.Warn("status: message count failed", zap.Error(err))
	}
	out["dropped_events"] = s.maintainer.DroppedEvents()
	return newStruct(out)
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func rpcError(op string, err error) error {
	switch {
	case errors.Is(err, contextualize.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
