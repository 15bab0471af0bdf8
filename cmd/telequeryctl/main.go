package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/telequery/internal/api"
	"github.com/matheus3301/telequery/internal/config"
	"github.com/matheus3301/telequery/internal/expansion"
	"github.com/matheus3301/telequery/internal/lock"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/store"
	intsync "github.com/matheus3301/telequery/internal/sync"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type globals struct {
	cfg        *config.Config
	configPath string
	socketPath string
	jsonOut    bool
	timeout    time.Duration
}

func main() {
	configFlag := flag.String("config", config.DefaultPath(), "path to config.toml")
	socketFlag := flag.String("socket", "", "daemon socket path (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 2*time.Minute, "request timeout")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(*configFlag)
	if err != nil {
		fatalf("load config: %v", err)
	}
	cfg.ApplyEnv(nil)
	g := globals{cfg: cfg, configPath: *configFlag, socketPath: cfg.SocketPath, jsonOut: *jsonFlag, timeout: *timeoutFlag}
	if *socketFlag != "" {
		g.socketPath = *socketFlag
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	switch args[0] {
	case "import":
		cmdImport(ctx, g, args[1:])
		return
	case "reset-expansions":
		cmdResetExpansions(ctx, g)
		return
	case "start":
		cmdStart(g)
		return
	}

	c, err := api.Dial(g.socketPath)
	if err != nil {
		fatalf("cannot connect to daemon at %s: %v", g.socketPath, err)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "query":
		cmdQuery(ctx, c, g, args[1:])
	case "stats":
		out, err := c.ExpansionStats(ctx)
		render(g, out, err, printStats)
	case "expand":
		cmdExpand(ctx, c, g, args[1:])
	case "reindex":
		out, err := c.Reindex(ctx)
		render(g, out, err, printIndex)
	case "status":
		out, err := c.Status(ctx)
		render(g, out, err, printStatus)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: telequeryctl [--config <path>] [--socket <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  query [--chat ID] [--user ID] [--debug] <question>   Ask a question")
	fmt.Fprintln(os.Stderr, "        [--from T] [--to T]                            Limit sources to a time range")
	fmt.Fprintln(os.Stderr, "  stats                                                 Show expansion coverage")
	fmt.Fprintln(os.Stderr, "  expand [--batch-size N] [--reindex]                   Run an expansion pass")
	fmt.Fprintln(os.Stderr, "  expand --message ID [--reindex]                       Expand a single message")
	fmt.Fprintln(os.Stderr, "  reindex                                               Rebuild the vector index")
	fmt.Fprintln(os.Stderr, "  status                                                Show daemon status")
	fmt.Fprintln(os.Stderr, "  import <file|->                                       Load exported messages into the store")
	fmt.Fprintln(os.Stderr, "  reset-expansions                                      Delete every stored expansion (daemon stopped)")
	fmt.Fprintln(os.Stderr, "  start                                                 Start telequeryd and wait until it serves")
}

func cmdQuery(ctx context.Context, c *api.Client, g globals, args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	chat := fs.String("chat", "", "restrict to one chat id")
	user := fs.String("user", "", "requesting user id")
	debug := fs.Bool("debug", false, "include scores, expansions and the rewritten query")
	from := fs.String("from", "", "only messages at or after this time (RFC 3339 or YYYY-MM-DD)")
	to := fs.String("to", "", "only messages at or before this time (RFC 3339 or YYYY-MM-DD)")
	_ = fs.Parse(args)

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fatalf("usage: telequeryctl query [--chat ID] [--user ID] [--from T] [--to T] [--debug] <question>")
	}
	req := api.QueryRequest{Question: question, UserID: *user, ChatID: *chat, Debug: *debug}
	req.From = parseTime("from", *from, false)
	req.To = parseTime("to", *to, true)
	out, err := c.Query(ctx, req)
	render(g, out, err, printAnswer)
}

func cmdExpand(ctx context.Context, c *api.Client, g globals, args []string) {
	fs := flag.NewFlagSet("expand", flag.ExitOnError)
	batchSize := fs.Int("batch-size", 1000, "messages per batch (0 uses the daemon default)")
	reindex := fs.Bool("reindex", false, "rebuild the index when the pass saved expansions")
	message := fs.String("message", "", "expand only this message id")
	_ = fs.Parse(args)

	var (
		out *structpb.Struct
		err error
	)
	if *message != "" {
		out, err = c.ExpandMessage(ctx, *message, *reindex)
	} else {
		out, err = c.RunExpansion(ctx, *batchSize, *reindex)
	}
	render(g, out, err, func(s *structpb.Struct) {
		run := s.GetFields()["run"].GetStructValue()
		if id := str(run, "message_id"); id != "" {
			fmt.Printf("Message:  %s (%d saved)\n", id, intOf(run, "saved"))
			if idx := s.GetFields()["index"].GetStructValue(); idx != nil {
				printIndex(idx)
			}
			return
		}
		fmt.Printf("Pending:  %d\n", intOf(run, "pending"))
		fmt.Printf("Batches:  %d (%d failed)\n", intOf(run, "batches"), intOf(run, "failed_batches"))
		fmt.Printf("Saved:    %d\n", intOf(run, "saved"))
		fmt.Printf("Took:     %dms\n", intOf(run, "duration_ms"))
		if idx := s.GetFields()["index"].GetStructValue(); idx != nil {
			printIndex(idx)
		}
		if stats := s.GetFields()["stats"].GetStructValue(); stats != nil {
			printStats(stats)
		}
	})
}

func cmdImport(ctx context.Context, g globals, args []string) {
	if len(args) != 1 {
		fatalf("usage: telequeryctl import <file|->")
	}
	in := os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	db, err := store.Open(g.cfg.MessagesDBPath)
	if err != nil {
		fatalf("open message store: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		fatalf("migrate message store: %v", err)
	}

	logger, err := logging.New(g.cfg.Log.Path, g.cfg.Log.Level)
	if err != nil {
		fatalf("%v", err)
	}
	defer func() { _ = logger.Sync() }()

	res, err := intsync.NewEngine(db, nil, logger).Import(ctx, in)
	if err != nil {
		fatalf("import: %v", err)
	}
	if g.jsonOut {
		s, _ := structpb.NewStruct(map[string]any{"imported": res.Imported, "skipped": res.Skipped, "batches": res.Batches})
		outputJSON(s)
		return
	}
	fmt.Printf("Imported %d messages in %d batches (%d skipped)\n", res.Imported, res.Batches, res.Skipped)
	fmt.Println("Run `telequeryctl expand --reindex` to make them searchable.")
}

func cmdResetExpansions(ctx context.Context, g globals) {
	// Holding the data directory lock keeps a running daemon from racing the reset.
	lk, err := lock.Acquire(g.cfg.DataDir)
	if err != nil {
		fatalf("%v (stop telequeryd first)", err)
	}
	defer func() { _ = lk.Release() }()

	s, err := expansion.Open(g.cfg.ExpansionsPath)
	if err != nil {
		fatalf("open expansion store: %v", err)
	}
	defer func() { _ = s.Close() }()

	n, err := s.Reset(ctx)
	if err != nil {
		fatalf("reset: %v", err)
	}
	fmt.Printf("Deleted %d expansions. The next expansion pass starts from scratch.\n", n)
}

func cmdStart(g globals) {
	if daemonAnswers(g.socketPath) {
		fmt.Println("daemon already running")
		return
	}
	if err := startDaemon(g); err != nil {
		fatalf("failed to start daemon: %v", err)
	}
	if !waitForDaemon(g.socketPath, 30*time.Second) {
		fatalf("daemon did not become ready")
	}
	fmt.Println("daemon ready")
}

// daemonAnswers reports whether a daemon answers a health check on the socket.
func daemonAnswers(socketPath string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}
	c, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.Healthy(ctx)
	return err == nil && ok
}

func startDaemon(g globals) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	bin := filepath.Join(filepath.Dir(executable), "telequeryd")
	if _, err := os.Stat(bin); err != nil {
		bin = "telequeryd"
	}

	cmd := exec.Command(bin, "--config", g.configPath, "--socket", g.socketPath)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the health service until the daemon serves queries.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if daemonAnswers(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

func render(g globals, out *structpb.Struct, err error, text func(*structpb.Struct)) {
	if err != nil {
		fatalf("%v", err)
	}
	if g.jsonOut {
		outputJSON(out)
		return
	}
	text(out)
}

func printAnswer(s *structpb.Struct) {
	fmt.Println(str(s, "answer_text"))
	if q := str(s, "rewritten_query"); q != "" {
		fmt.Printf("\nRewritten query: %s\n", q)
	}
	sources := s.GetFields()["source_messages"].GetListValue().GetValues()
	if len(sources) == 0 {
		return
	}
	fmt.Printf("\nSources (%d):\n", len(sources))
	for _, v := range sources {
		src := v.GetStructValue()
		line := fmt.Sprintf("  [%s] %s @ %s: %s", str(src, "message_id"), str(src, "sender"), str(src, "timestamp"), str(src, "text"))
		if score, ok := src.GetFields()["relevance_score"]; ok {
			line += fmt.Sprintf(" (score %.3f)", score.GetNumberValue())
		}
		fmt.Println(line)
	}
}

func printStats(s *structpb.Struct) {
	fmt.Printf("Messages: %d\n", intOf(s, "total_messages"))
	fmt.Printf("Expanded: %d (%.1f%%)\n", intOf(s, "expanded_messages"), s.GetFields()["completion_percentage"].GetNumberValue())
	fmt.Printf("Pending:  %d\n", intOf(s, "pending_messages"))
}

func printIndex(s *structpb.Struct) {
	fmt.Printf("Indexed:  %d (%d from expansions) in %dms\n", intOf(s, "indexed"), intOf(s, "expanded"), intOf(s, "duration_ms"))
}

func printStatus(s *structpb.Struct) {
	fmt.Printf("Status:   %s (v%s)\n", str(s, "status"), str(s, "version"))
	state := str(s, "state")
	if reason := str(s, "reason"); reason != "" {
		state += ": " + reason
	}
	fmt.Printf("State:    %s\n", state)
	fmt.Printf("Uptime:   %s\n", (time.Duration(intOf(s, "uptime_ms")) * time.Millisecond).Round(time.Second))
	fmt.Printf("Indexed:  %d of %d stored\n", intOf(s, "indexed_messages"), intOf(s, "stored_messages"))
	if n := intOf(s, "dropped_events"); n > 0 {
		fmt.Printf("Dropped:  %d events\n", n)
	}
	if exp := s.GetFields()["expansion"].GetStructValue(); exp != nil {
		printStats(exp)
	}
}

// parseTime reads an RFC 3339 time or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTime(flagName, v string, endOfDay bool) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		fatalf("--%s: want RFC 3339 or YYYY-MM-DD, got %q", flagName, v)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func intOf(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func outputJSON(m *structpb.Struct) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
