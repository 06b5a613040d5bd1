package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nextlevelbuilder/clawrun/internal/broker"
	"github.com/nextlevelbuilder/clawrun/internal/config"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

type fakePersist struct {
	mu         sync.Mutex
	nextRun    int
	createReqs []rpc.CreateRunRequest
	statuses   map[string][]string

	continueCtx *rpc.ContinueContext
	continueErr error
}

func newFakePersist() *fakePersist {
	return &fakePersist{statuses: make(map[string][]string)}
}

func (f *fakePersist) CreateRun(ctx context.Context, req rpc.CreateRunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	f.createReqs = append(f.createReqs, req)
	return fmt.Sprintf("run-%d", f.nextRun), nil
}

func (f *fakePersist) UpdateRunStatus(ctx context.Context, runID, stat string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[runID] = append(f.statuses[runID], stat)
	return nil
}

func (f *fakePersist) GetContinueContextByMessage(ctx context.Context, messageID string) (*rpc.ContinueContext, error) {
	return f.continueCtx, f.continueErr
}

func (f *fakePersist) GetContinueContextByRun(ctx context.Context, runID string) (*rpc.ContinueContext, error) {
	return f.continueCtx, f.continueErr
}

func (f *fakePersist) GetAgentConfig(ctx context.Context, workspaceID, agentID string) (*rpc.AgentConfig, error) {
	return &rpc.AgentConfig{ID: agentID, WorkspaceID: workspaceID}, nil
}

func (f *fakePersist) AppendMessage(ctx context.Context, msg rpc.Message) (string, error) {
	return "msg-1", nil
}
func (f *fakePersist) CreateTask(ctx context.Context, task rpc.Task) (string, error) {
	return "task-1", nil
}
func (f *fakePersist) UpdateTask(ctx context.Context, update rpc.TaskUpdate) error { return nil }
func (f *fakePersist) RecordRunUsage(ctx context.Context, rec rpc.UsageRecord) error {
	return nil
}
func (f *fakePersist) RecordTaskUsage(ctx context.Context, rec rpc.UsageRecord) error {
	return nil
}
func (f *fakePersist) ReportPluginUsageEvents(ctx context.Context, events []rpc.PluginUsageEvent) error {
	return nil
}
func (f *fakePersist) ListRuntimePlugins(ctx context.Context, workspaceID string) ([]rpc.RuntimePlugin, error) {
	return nil, nil
}
func (f *fakePersist) ReportRuntimePluginLoad(ctx context.Context, report rpc.PluginLoadReport) error {
	return nil
}
func (f *fakePersist) Close() error { return nil }

func (f *fakePersist) createdRuns() []rpc.CreateRunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpc.CreateRunRequest(nil), f.createReqs...)
}

func (f *fakePersist) runStatuses(runID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses[runID]...)
}

// scriptedRunner emits a fixed event sequence. When block is set it waits for
// the channel (or context cancellation) before returning.
type scriptedRunner struct {
	events []protocol.RunEvent
	err    error
	block  chan struct{}
}

func (s *scriptedRunner) RunCoordinator(ctx context.Context, runID string, params broker.RunParams, emit func(protocol.RunEvent)) error {
	for _, ev := range s.events {
		emit(ev)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return s.err
}

type fakeHost struct {
	mu      sync.Mutex
	actions []string
	loadErr error
}

func (f *fakeHost) record(action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

func (f *fakeHost) Load(ctx context.Context, plugin rpc.RuntimePlugin) error {
	f.record("load:" + plugin.InstalledPluginID)
	return f.loadErr
}
func (f *fakeHost) Reload(ctx context.Context, plugin rpc.RuntimePlugin) error {
	f.record("reload:" + plugin.InstalledPluginID)
	return f.loadErr
}
func (f *fakeHost) Unload(ctx context.Context, plugin rpc.RuntimePlugin) {
	f.record("unload:" + plugin.InstalledPluginID)
}
func (f *fakeHost) Bootstrap(ctx context.Context, workspaceID string) error {
	f.record("bootstrap:" + workspaceID)
	return nil
}

type testEnv struct {
	persist *fakePersist
	broker  *broker.Broker
	host    *fakeHost
	server  *httptest.Server
}

func newTestEnv(t *testing.T, runner Coordinator) *testEnv {
	t.Helper()

	persist := newFakePersist()
	b := broker.New(config.BrokerConfig{
		MaxEventsPerRun: 500,
		RunRetention:    time.Minute,
		CleanupInterval: 10 * time.Second,
		IdempotencyTTL:  time.Minute,
	})
	t.Cleanup(b.Close)

	host := &fakeHost{}
	cfg := config.RuntimeConfig{Secret: "sekret", ChannelSendTimeout: 5 * time.Second}
	srv := NewServer(cfg, b, runner, persist, host)

	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	return &testEnv{persist: persist, broker: b, host: host, server: ts}
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func createRun(t *testing.T, env *testEnv, body createRunRequest, headers map[string]string) (createRunResponse, int) {
	t.Helper()
	resp := postJSON(t, env.server.URL+"/runtime/ws/w1/runs", body, headers)
	defer resp.Body.Close()
	var out createRunResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return out, resp.StatusCode
}

func waitTerminal(t *testing.T, env *testEnv, runID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := env.broker.GetSnapshot(runID); snap != nil && snap.Terminal {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
}

func TestCreateRunAndStream(t *testing.T) {
	runner := &scriptedRunner{events: []protocol.RunEvent{
		protocol.MessageStart{MessageID: "m1"},
		protocol.TextDelta{Text: "hello", Delta: "hello"},
		protocol.MessageEnd{MessageID: "m1"},
	}}
	env := newTestEnv(t, runner)

	out, code := createRun(t, env, createRunRequest{
		SessionID: "s1", UserRequest: "hi", CoordinatorAgentID: "a1",
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("create status = %d", code)
	}
	if out.RunID == "" || out.Deduplicated {
		t.Fatalf("create response = %+v", out)
	}
	waitTerminal(t, env, out.RunID)

	resp, err := http.Get(env.server.URL + "/runtime/runs/" + out.RunID + "/stream?cursor=0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	stream := string(body)

	if !strings.Contains(stream, `"truncated":false`) {
		t.Errorf("missing snapshot comment: %q", stream)
	}
	for _, want := range []string{"id: 1\n", "id: 2\n", "id: 3\n", "id: 4\n",
		`"type":"message-start"`, `"delta":"hello"`, `"type":"done"`} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream missing %q:\n%s", want, stream)
		}
	}

	statuses := env.persist.runStatuses(out.RunID)
	if len(statuses) != 2 || statuses[0] != "running" || statuses[1] != "completed" {
		t.Errorf("run statuses = %v", statuses)
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})
	_, code := createRun(t, env, createRunRequest{SessionID: "s1"}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestIdempotentCreate(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	body := createRunRequest{SessionID: "s1", UserRequest: "hi", CoordinatorAgentID: "a1"}
	headers := map[string]string{"Idempotency-Key": "K"}

	first, code := createRun(t, env, body, headers)
	if code != http.StatusOK || first.Deduplicated {
		t.Fatalf("first = %+v (%d)", first, code)
	}

	second, code := createRun(t, env, body, headers)
	if code != http.StatusOK || !second.Deduplicated || second.RunID != first.RunID {
		t.Errorf("second = %+v (%d), want dedup of %s", second, code, first.RunID)
	}

	body.UserRequest = "something else"
	_, code = createRun(t, env, body, headers)
	if code != http.StatusConflict {
		t.Errorf("conflicting create status = %d, want 409", code)
	}

	if n := len(env.persist.createdRuns()); n != 1 {
		t.Errorf("persisted runs = %d, want 1", n)
	}
}

func TestStreamErrors(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp, err := http.Get(env.server.URL + "/runtime/runs/nope/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", resp.StatusCode)
	}

	out, _ := createRun(t, env, createRunRequest{
		SessionID: "s1", UserRequest: "hi", CoordinatorAgentID: "a1",
	}, nil)
	resp, err = http.Get(env.server.URL + "/runtime/runs/" + out.RunID + "/stream?cursor=banana")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cursor status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamReplayFromCursor(t *testing.T) {
	runner := &scriptedRunner{events: []protocol.RunEvent{
		protocol.MessageStart{MessageID: "m1"},
		protocol.TextDelta{Text: "hi", Delta: "hi"},
		protocol.MessageEnd{MessageID: "m1"},
	}}
	env := newTestEnv(t, runner)

	out, _ := createRun(t, env, createRunRequest{
		SessionID: "s1", UserRequest: "hi", CoordinatorAgentID: "a1",
	}, nil)
	waitTerminal(t, env, out.RunID)

	resp, err := http.Get(env.server.URL + "/runtime/runs/" + out.RunID + "/stream?cursor=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	stream := string(body)

	if strings.Contains(stream, "id: 1\n") || strings.Contains(stream, "id: 2\n") {
		t.Errorf("replay included events at or before the cursor:\n%s", stream)
	}
	for _, want := range []string{"id: 3\n", "id: 4\n", `"type":"done"`} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream missing %q:\n%s", want, stream)
		}
	}
}

func TestCancelRun(t *testing.T) {
	runner := &scriptedRunner{
		events: []protocol.RunEvent{protocol.MessageStart{MessageID: "m1"}},
		block:  make(chan struct{}),
	}
	env := newTestEnv(t, runner)
	defer close(runner.block)

	out, _ := createRun(t, env, createRunRequest{
		SessionID: "s1", UserRequest: "hi", CoordinatorAgentID: "a1",
	}, nil)

	resp := postJSON(t, env.server.URL+"/runtime/runs/"+out.RunID+"/cancel", cancelRequest{}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var ack map[string]bool
	json.NewDecoder(resp.Body).Decode(&ack)
	if !ack["ok"] {
		t.Errorf("cancel ack = %v", ack)
	}

	snap := env.broker.GetSnapshot(out.RunID)
	if snap == nil || snap.State != broker.StateCancelled || !snap.Terminal {
		t.Errorf("snapshot = %+v, want terminal cancelled", snap)
	}

	streamResp, err := http.Get(env.server.URL + "/runtime/runs/" + out.RunID + "/stream?cursor=0")
	if err != nil {
		t.Fatal(err)
	}
	defer streamResp.Body.Close()
	body, _ := io.ReadAll(streamResp.Body)
	if !strings.Contains(string(body), "Run cancelled by user") {
		t.Errorf("stream missing the synthetic cancel error:\n%s", body)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})
	resp := postJSON(t, env.server.URL+"/runtime/runs/nope/cancel", cancelRequest{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResumeFillsContext(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})
	env.persist.continueCtx = &rpc.ContinueContext{
		SessionID: "s-old", WorkspaceID: "w1", AgentID: "a-old",
	}

	out, code := createRun(t, env, createRunRequest{
		UserRequest: "continue please", ResumeFromMessageID: "msg-9",
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.RunID == "" {
		t.Fatal("no run id")
	}

	created := env.persist.createdRuns()
	if len(created) != 1 || created[0].SessionID != "s-old" || created[0].AgentID != "a-old" {
		t.Errorf("created runs = %+v", created)
	}
}

func TestResumeLookupMiss(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})
	env.persist.continueErr = status.Error(codes.NotFound, "no such message")

	_, code := createRun(t, env, createRunRequest{
		UserRequest: "continue", ResumeFromMessageID: "gone",
	}, nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}

	env.persist.continueErr = status.Error(codes.InvalidArgument, "bad id")
	_, code = createRun(t, env, createRunRequest{
		UserRequest: "continue", ResumeFromRunID: "??",
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestResumeWorkspaceMismatch(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})
	env.persist.continueCtx = &rpc.ContinueContext{
		SessionID: "s2", WorkspaceID: "other-ws", AgentID: "a2",
	}

	_, code := createRun(t, env, createRunRequest{
		UserRequest: "continue", ResumeFromRunID: "run-other",
	}, nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestChannelRunRoundTrip(t *testing.T) {
	sends := make(chan map[string]string, 4)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Runtime-Secret") != "sekret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		sends <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	runner := &scriptedRunner{events: []protocol.RunEvent{
		protocol.MessageStart{MessageID: "m1"},
		protocol.TextDelta{Text: "pong", Delta: "pong"},
		protocol.MessageEnd{MessageID: "m1"},
	}}
	env := newTestEnv(t, runner)

	// Point the reply path at the fake gateway.
	srvCfg := config.RuntimeConfig{Secret: "sekret", GatewayAddr: gw.URL, ChannelSendTimeout: 5 * time.Second}
	srv := NewServer(srvCfg, env.broker, runner, env.persist, env.host)
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	body := channelRunRequest{
		SessionID: "cs-1", ChannelID: "ch-1", AgentID: "a1", WorkspaceID: "w1",
		Message: "ping", Sender: "u1", ChatID: "c1", MessageID: "pm-1",
	}
	auth := map[string]string{"X-Runtime-Secret": "sekret"}

	resp := postJSON(t, ts.URL+"/channel-run", body, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case payload := <-sends:
		if payload["chatId"] != "c1" || payload["text"] != "pong" {
			t.Errorf("reply payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the reply")
	}

	// Redelivery of the same platform message deduplicates.
	resp = postJSON(t, ts.URL+"/channel-run", body, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("redelivery status = %d", resp.StatusCode)
	}
	if n := len(env.persist.createdRuns()); n != 1 {
		t.Errorf("persisted runs = %d, want 1", n)
	}
}

func TestReplyCollectorOnTerminalRun(t *testing.T) {
	sends := make(chan map[string]string, 1)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		sends <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	runner := &scriptedRunner{events: []protocol.RunEvent{
		protocol.MessageStart{MessageID: "m1"},
		protocol.TextDelta{Text: "late pong", Delta: "late pong"},
		protocol.MessageEnd{MessageID: "m1"},
	}}
	env := newTestEnv(t, runner)

	srvCfg := config.RuntimeConfig{Secret: "sekret", GatewayAddr: gw.URL, ChannelSendTimeout: 5 * time.Second}
	srv := NewServer(srvCfg, env.broker, runner, env.persist, env.host)

	req := channelRunRequest{
		SessionID: "cs-1", ChannelID: "ch-1", AgentID: "a1", WorkspaceID: "w1",
		Message: "ping", ChatID: "c1", MessageID: "pm-9",
	}
	runID, _, err := env.broker.CreateRuntimeRun(context.Background(),
		broker.RunParams{
			SessionID: req.SessionID, WorkspaceID: req.WorkspaceID,
			UserRequest: req.Message, CoordinatorAgentID: req.AgentID,
			ChannelID: req.ChannelID, ChatID: req.ChatID,
		}, req.MessageID, channelFingerprint(req),
		func(ctx context.Context) (string, error) { return "run-late", nil })
	if err != nil {
		t.Fatal(err)
	}
	if err := env.broker.StartRun(runID, srv.starter()); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, env, runID)

	// Attaching after the run finished replays the terminal done event; the
	// reply must still be delivered exactly once.
	srv.attachReplyCollector(runID, req)

	select {
	case payload := <-sends:
		if payload["chatId"] != "c1" || payload["text"] != "late pong" {
			t.Errorf("reply payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the replayed reply")
	}
}

func TestChannelRunAuthAndValidation(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := postJSON(t, env.server.URL+"/channel-run", channelRunRequest{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	auth := map[string]string{"X-Runtime-Secret": "sekret"}
	resp = postJSON(t, env.server.URL+"/channel-run", channelRunRequest{SessionID: "s1"}, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("incomplete body status = %d, want 400", resp.StatusCode)
	}
}

func TestPluginSync(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})
	auth := map[string]string{"X-Runtime-Secret": "sekret"}

	resp := postJSON(t, env.server.URL+"/runtime/plugins/sync", pluginSyncRequest{
		Action:        "load",
		RuntimePlugin: rpc.RuntimePlugin{InstalledPluginID: "ip-1", WorkspaceID: "w1"},
	}, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}

	resp = postJSON(t, env.server.URL+"/runtime/plugins/sync", pluginSyncRequest{
		Action:        "bootstrap",
		RuntimePlugin: rpc.RuntimePlugin{WorkspaceID: "w1"},
	}, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status = %d", resp.StatusCode)
	}

	env.host.mu.Lock()
	actions := append([]string(nil), env.host.actions...)
	env.host.mu.Unlock()
	want := []string{"load:ip-1", "bootstrap:w1"}
	if len(actions) != len(want) || actions[0] != want[0] || actions[1] != want[1] {
		t.Errorf("actions = %v, want %v", actions, want)
	}

	resp = postJSON(t, env.server.URL+"/runtime/plugins/sync", pluginSyncRequest{Action: "explode"}, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, env.server.URL+"/runtime/plugins/sync", pluginSyncRequest{Action: "load"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}
