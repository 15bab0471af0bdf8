package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/telequery/internal/agent"
	"github.com/matheus3301/telequery/internal/contextualize"
	"github.com/matheus3301/telequery/internal/expand"
	"github.com/matheus3301/telequery/internal/indexer"
	"github.com/matheus3301/telequery/internal/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeAnswerer struct {
	last agent.Request
	resp agent.Response
}

func (f *fakeAnswerer) Process(_ context.Context, req agent.Request) agent.Response {
	f.last = req
	return f.resp
}

type fakeMaintainer struct {
	stats      expand.Stats
	run        expand.RunResult
	runErr     error
	reindexed  int
	lastBatch  int
	indexCount int64

	expanded     map[string]int
	lastMessage  string
	messageCount int64
	dropped      uint64
}

func (f *fakeMaintainer) ExpansionStats(context.Context) (expand.Stats, error) { return f.stats, nil }

func (f *fakeMaintainer) RunExpansion(_ context.Context, batchSize int) (expand.RunResult, error) {
	f.lastBatch = batchSize
	return f.run, f.runErr
}

func (f *fakeMaintainer) Reindex(context.Context) (indexer.Result, error) {
	f.reindexed++
	return indexer.Result{Indexed: 12, Expanded: 10, Duration: time.Second}, nil
}

func (f *fakeMaintainer) IndexCount(context.Context) (int64, error) { return f.indexCount, nil }

func (f *fakeMaintainer) ExpandMessage(_ context.Context, id string) (int, error) {
	f.lastMessage = id
	n, ok := f.expanded[id]
	if !ok {
		return 0, contextualize.ErrNotFound
	}
	return n, nil
}

func (f *fakeMaintainer) MessageCount(context.Context) (int64, error) { return f.messageCount, nil }

func (f *fakeMaintainer) DroppedEvents() uint64 { return f.dropped }

func startServer(t *testing.T, svc *QueryService) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterQueryServer(srv, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(conn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readyMachine(t *testing.T) *status.Machine {
	t.Helper()
	m := status.NewMachine(nil)
	if err := m.Transition(status.Ready); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestQueryRoundTrip(t *testing.T) {
	score := 0.82
	ans := &fakeAnswerer{resp: agent.Response{
		RequestID:  "req-1",
		AnswerText: "Alice has the generator.",
		Status:     agent.StatusSuccess,
		SourceMessages: []agent.SourceMessage{{
			MessageID:      "msg_001",
			Sender:         "Alice",
			Timestamp:      time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
			Text:           "I've got the generator.",
			ExpandedText:   "Alice has the main generator covered for the camp.",
			RelevanceScore: &score,
		}},
		RewrittenQuery: "generator power electricity",
	}}
	c := startServer(t, NewQueryService(ans, &fakeMaintainer{}, readyMachine(t), nil))

	out, err := c.Query(context.Background(), QueryRequest{Question: " who has the generator? ", UserID: "u1", ChatID: "camp", Debug: true})
	if err != nil {
		t.Fatal(err)
	}
	if ans.last.Question != "who has the generator?" || ans.last.ChatID != "camp" || !ans.last.Debug || ans.last.UserID != "u1" {
		t.Errorf("agent request = %+v", ans.last)
	}
	if got := stringField(out, "status"); got != agent.StatusSuccess {
		t.Errorf("status = %q", got)
	}
	if got := stringField(out, "rewritten_query"); got != "generator power electricity" {
		t.Errorf("rewritten_query = %q", got)
	}
	srcs := out.GetFields()["source_messages"].GetListValue().GetValues()
	if len(srcs) != 1 {
		t.Fatalf("source_messages = %d, want 1", len(srcs))
	}
	src := srcs[0].GetStructValue()
	if stringField(src, "message_id") != "msg_001" || stringField(src, "timestamp") != "2024-06-01T10:00:00Z" {
		t.Errorf("source = %v", src)
	}
	if src.GetFields()["relevance_score"].GetNumberValue() != 0.82 {
		t.Errorf("relevance_score = %v", src.GetFields()["relevance_score"])
	}
}

func TestQueryPlainModeOmitsDebugFields(t *testing.T) {
	ans := &fakeAnswerer{resp: agent.Response{
		Status:         agent.StatusSuccess,
		SourceMessages: []agent.SourceMessage{{MessageID: "m1", Sender: "Bob", Text: "hi"}},
	}}
	c := startServer(t, NewQueryService(ans, &fakeMaintainer{}, readyMachine(t), nil))

	out, err := c.Query(context.Background(), QueryRequest{Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	src := out.GetFields()["source_messages"].GetListValue().GetValues()[0].GetStructValue()
	for _, key := range []string{"relevance_score", "expanded_text"} {
		if _, ok := src.GetFields()[key]; ok {
			t.Errorf("plain source carries %s", key)
		}
	}
	if _, ok := out.GetFields()["rewritten_query"]; ok {
		t.Error("plain response carries rewritten_query")
	}
}

func TestQueryValidation(t *testing.T) {
	c := startServer(t, NewQueryService(&fakeAnswerer{}, &fakeMaintainer{}, readyMachine(t), nil))
	_, err := c.Query(context.Background(), QueryRequest{Question: "   "})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
}

func TestQueryTimeRange(t *testing.T) {
	ans := &fakeAnswerer{resp: agent.Response{Status: agent.StatusSuccess}}
	c := startServer(t, NewQueryService(ans, &fakeMaintainer{}, readyMachine(t), nil))
	ctx := context.Background()
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	if _, err := c.Query(ctx, QueryRequest{Question: "q", From: from, To: to}); err != nil {
		t.Fatal(err)
	}
	if !ans.last.From.Equal(from) || !ans.last.To.Equal(to) {
		t.Errorf("agent range = %v..%v", ans.last.From, ans.last.To)
	}

	_, err := c.Query(ctx, QueryRequest{Question: "q", From: to, To: from})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("reversed range code = %v, want InvalidArgument", grpcstatus.Code(err))
	}

	in, err := structpb.NewStruct(map[string]any{"question": "q", "from": "yesterday"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeQueryRequest(in); err == nil {
		t.Error("decoded an unparseable from")
	}
}

func TestQueryUnavailableWhileBooting(t *testing.T) {
	c := startServer(t, NewQueryService(&fakeAnswerer{}, &fakeMaintainer{}, status.NewMachine(nil), nil))
	_, err := c.Query(context.Background(), QueryRequest{Question: "q"})
	if grpcstatus.Code(err) != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", grpcstatus.Code(err))
	}
}

func TestRunExpansionReindexesWhenRowsSaved(t *testing.T) {
	m := &fakeMaintainer{
		run:   expand.RunResult{Pending: 5, Batches: 1, Saved: 5},
		stats: expand.Stats{Total: 5, Expanded: 5, CompletionPercentage: 100},
	}
	c := startServer(t, NewQueryService(&fakeAnswerer{}, m, readyMachine(t), nil))

	out, err := c.RunExpansion(context.Background(), 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if m.lastBatch != 1000 || m.reindexed != 1 {
		t.Errorf("batch = %d, reindexed = %d", m.lastBatch, m.reindexed)
	}
	run := out.GetFields()["run"].GetStructValue()
	if run.GetFields()["saved"].GetNumberValue() != 5 {
		t.Errorf("run = %v", run)
	}
	if out.GetFields()["index"].GetStructValue().GetFields()["indexed"].GetNumberValue() != 12 {
		t.Errorf("index = %v", out.GetFields()["index"])
	}

	m.run = expand.RunResult{}
	if _, err := c.RunExpansion(context.Background(), 0, true); err != nil {
		t.Fatal(err)
	}
	if m.reindexed != 1 {
		t.Errorf("reindexed = %d after a pass that saved nothing, want 1", m.reindexed)
	}
}

func TestRunExpansionErrors(t *testing.T) {
	m := &fakeMaintainer{runErr: context.Canceled}
	c := startServer(t, NewQueryService(&fakeAnswerer{}, m, readyMachine(t), nil))
	if _, err := c.RunExpansion(context.Background(), 0, false); grpcstatus.Code(err) != codes.Canceled {
		t.Errorf("code = %v, want Canceled", grpcstatus.Code(err))
	}
	m.runErr = errors.New("disk full")
	if _, err := c.RunExpansion(context.Background(), 0, false); grpcstatus.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", grpcstatus.Code(err))
	}
	if _, err := c.RunExpansion(context.Background(), -1, false); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
}

func TestExpandSingleMessage(t *testing.T) {
	m := &fakeMaintainer{expanded: map[string]int{"msg_7": 1, "msg_8": 0}}
	c := startServer(t, NewQueryService(&fakeAnswerer{}, m, readyMachine(t), nil))
	ctx := context.Background()

	out, err := c.ExpandMessage(ctx, "msg_7", true)
	if err != nil {
		t.Fatal(err)
	}
	run := out.GetFields()["run"].GetStructValue()
	if m.lastMessage != "msg_7" || stringField(run, "message_id") != "msg_7" || run.GetFields()["saved"].GetNumberValue() != 1 {
		t.Errorf("run = %v, last = %q", run, m.lastMessage)
	}
	if m.reindexed != 1 || m.lastBatch != 0 {
		t.Errorf("reindexed = %d, batch pass ran with %d", m.reindexed, m.lastBatch)
	}

	if _, err := c.ExpandMessage(ctx, "msg_8", true); err != nil {
		t.Fatal(err)
	}
	if m.reindexed != 1 {
		t.Errorf("reindexed = %d after saving nothing, want 1", m.reindexed)
	}

	_, err = c.ExpandMessage(ctx, "missing", false)
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("code = %v, want NotFound", grpcstatus.Code(err))
	}
}

func TestStatusAndHealth(t *testing.T) {
	m := &fakeMaintainer{
		stats:        expand.Stats{Total: 10, Expanded: 4, Pending: 6, CompletionPercentage: 40},
		indexCount:   10,
		messageCount: 12,
		dropped:      3,
	}
	c := startServer(t, NewQueryService(&fakeAnswerer{}, m, readyMachine(t), nil))
	ctx := context.Background()

	out, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stringField(out, "version") != Version || stringField(out, "state") != string(status.Ready) || stringField(out, "status") != "ok" {
		t.Errorf("status = %v", out)
	}
	if out.GetFields()["indexed_messages"].GetNumberValue() != 10 {
		t.Errorf("indexed_messages = %v", out.GetFields()["indexed_messages"])
	}
	if out.GetFields()["stored_messages"].GetNumberValue() != 12 || out.GetFields()["dropped_events"].GetNumberValue() != 3 {
		t.Errorf("stored_messages = %v, dropped_events = %v", out.GetFields()["stored_messages"], out.GetFields()["dropped_events"])
	}
	exp := out.GetFields()["expansion"].GetStructValue()
	if exp.GetFields()["pending_messages"].GetNumberValue() != 6 {
		t.Errorf("expansion = %v", exp)
	}

	ok, err := c.Healthy(ctx)
	if err != nil || !ok {
		t.Errorf("Healthy = %v, %v", ok, err)
	}
}
