package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/router"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubAgent 由函数定义的测试 Agent
type stubAgent struct {
	id string
	fn func(ctx context.Context, t *task.Task) []task.Event
	// failAfter 不为 nil 时在事件之后返回该错误
	failAfter error
}

func (a *stubAgent) ID() string { return a.id }

func (a *stubAgent) ProcessTask(ctx context.Context, t *task.Task) iter.Seq2[task.Event, error] {
	return func(yield func(task.Event, error) bool) {
		for _, ev := range a.fn(ctx, t) {
			if !yield(ev, nil) {
				return
			}
		}
		if a.failAfter != nil {
			yield(nil, a.failAfter)
		}
	}
}

type taskServer struct {
	srv     *httptest.Server
	manager *task.Manager
	store   *persistence.MemoryTaskStore
	client  *a2a.HTTPClient
}

func newTaskServer(t *testing.T, agents ...task.Agent) *taskServer {
	t.Helper()
	cfg := persistence.DefaultStoreConfig()
	cfg.Cleanup.Enabled = false
	store := persistence.NewMemoryTaskStore(cfg)
	t.Cleanup(func() { _ = store.Close() })

	logger := zaptest.NewLogger(t)
	manager := task.NewManager(store, task.NewMapRegistry(agents...), task.WithLogger(logger))
	handler := NewTaskHandler(manager, router.New(store, nil), logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &taskServer{
		srv:     srv,
		manager: manager,
		store:   store,
		client:  a2a.NewHTTPClient(a2a.ClientConfig{DefaultEndpoint: srv.URL}, logger),
	}
}

func streamAll(t *testing.T, seq iter.Seq2[task.Event, error]) []task.Event {
	t.Helper()
	var out []task.Event
	for ev, err := range seq {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func writer() *stubAgent {
	return &stubAgent{id: "writer", fn: func(_ context.Context, t *task.Task) []task.Event {
		return []task.Event{
			task.NewTextMessageEvent(t.ID, "drafted: "+task.PartsText(t.Messages[0].Parts)),
			task.NewArtifactEvent(t.ID, task.Artifact{Name: "draft", Parts: []task.Part{task.TextPart("body")}}),
			task.NewDoneEvent(t.ID, task.StateCompleted),
		}
	}}
}

func TestTaskHandler_StreamsTask(t *testing.T) {
	ts := newTaskServer(t, writer())

	seq, err := ts.client.CreateTask(context.Background(), "writer", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("essay")},
		UserID:       "u-1",
	})
	require.NoError(t, err)
	events := streamAll(t, seq)

	kinds := make([]task.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind()
	}
	assert.Equal(t, []task.EventKind{
		task.EventKindStatus, task.EventKindMessage, task.EventKindArtifact, task.EventKindDone,
	}, kinds)

	stored, err := ts.store.Get(context.Background(), events[0].Meta().TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, stored.State)
	assert.Equal(t, "drafted: essay", stored.AgentText())
	assert.Equal(t, "u-1", stored.UserID)
}

func TestTaskHandler_UnknownAgent(t *testing.T) {
	ts := newTaskServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/v1/agents/ghost/tasks", a2a.ContentTypeJSON,
		strings.NewReader(`{"message_parts":[{"type":"text","text":"hi"}],"user_id":"u"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AGENT_NOT_FOUND", body.Error.Code)

	_, err = ts.client.CreateTask(context.Background(), "ghost", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("hi")},
	})
	assert.True(t, types.IsCode(err, types.ErrTransport))
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestTaskHandler_BadRequests(t *testing.T) {
	ts := newTaskServer(t, writer())

	for name, body := range map[string]string{
		"malformed": `{"message_parts":`,
		"no parts":  `{"message_parts":[],"user_id":"u"}`,
		"unknown":   `{"message_parts":[{"type":"text","text":"x"}],"bogus":true}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.srv.URL+"/api/v1/agents/writer/tasks", a2a.ContentTypeJSON, strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestTaskHandler_StreamWithoutTerminalEvent(t *testing.T) {
	quiet := &stubAgent{id: "quiet", fn: func(_ context.Context, t *task.Task) []task.Event {
		return []task.Event{task.NewTextMessageEvent(t.ID, "thinking")}
	}}
	ts := newTaskServer(t, quiet)

	seq, err := ts.client.CreateTask(context.Background(), "quiet", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("?")},
	})
	require.NoError(t, err)
	events := streamAll(t, seq)
	require.NotEmpty(t, events)

	last, ok := events[len(events)-1].(*task.ErrorEvent)
	require.True(t, ok, "stream closes with an error frame")
	assert.Equal(t, string(types.ErrAgentExecution), last.Code)

	stored, err := ts.store.Get(context.Background(), last.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, stored.State)
	assert.Equal(t, string(types.ErrAgentExecution), stored.Error.Code)
}

func TestTaskHandler_AgentError(t *testing.T) {
	broken := &stubAgent{
		id: "broken",
		fn: func(_ context.Context, t *task.Task) []task.Event {
			return []task.Event{task.NewTextMessageEvent(t.ID, "partial")}
		},
		failAfter: errors.New("model crashed"),
	}
	ts := newTaskServer(t, broken)

	seq, err := ts.client.CreateTask(context.Background(), "broken", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("go")},
	})
	require.NoError(t, err)
	events := streamAll(t, seq)

	last, ok := events[len(events)-1].(*task.ErrorEvent)
	require.True(t, ok)
	assert.Contains(t, last.Message, "model crashed")

	stored, err := ts.store.Get(context.Background(), last.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, stored.State)
}

func TestTaskHandler_AgentErrorWhileAwaitingInput(t *testing.T) {
	asker := &stubAgent{
		id: "asker",
		fn: func(_ context.Context, t *task.Task) []task.Event {
			return []task.Event{task.NewStatusEvent(t.ID, task.StateInputRequired, "which city?")}
		},
		failAfter: types.NewError(types.ErrTimeout, "no answer"),
	}
	ts := newTaskServer(t, asker)

	seq, err := ts.client.CreateTask(context.Background(), "asker", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("book a flight")},
	})
	require.NoError(t, err)
	events := streamAll(t, seq)

	last, ok := events[len(events)-1].(*task.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, string(types.ErrTimeout), last.Code)

	stored, err := ts.store.Get(context.Background(), last.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, stored.State)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "no answer", stored.Error.Message)
}

func TestTaskHandler_ErrorAfterTerminalKeepsStoredState(t *testing.T) {
	sloppy := &stubAgent{
		id: "sloppy",
		fn: func(_ context.Context, t *task.Task) []task.Event {
			return []task.Event{task.NewDoneEvent(t.ID, task.StateCompleted)}
		},
		failAfter: errors.New("cleanup crashed"),
	}
	ts := newTaskServer(t, sloppy)

	seq, err := ts.client.CreateTask(context.Background(), "sloppy", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("go")},
	})
	require.NoError(t, err)
	events := streamAll(t, seq)

	done, ok := events[len(events)-1].(*task.DoneEvent)
	require.True(t, ok, "no error frame follows the done frame")
	assert.Equal(t, task.StateCompleted, done.FinalState)

	stored, err := ts.store.Get(context.Background(), done.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, stored.State)
}

func TestTaskHandler_PropagatesContext(t *testing.T) {
	type seen struct {
		tenant string
		chain  []string
	}
	got := make(chan seen, 1)
	listener := &stubAgent{id: "listener", fn: func(ctx context.Context, t *task.Task) []task.Event {
		tenant, _ := ctxkeys.TenantID(ctx)
		got <- seen{tenant, ctxkeys.AgentChain(ctx)}
		return []task.Event{task.NewDoneEvent(t.ID, task.StateCompleted)}
	}}
	ts := newTaskServer(t, listener)

	ctx := ctxkeys.WithAgentChain(context.Background(), []string{"root", "planner"})
	seq, err := ts.client.CreateTask(ctx, "listener", a2a.CreateTaskRequest{
		MessageParts: []task.Part{task.TextPart("?")},
		TenantID:     "acme",
	})
	require.NoError(t, err)
	streamAll(t, seq)

	s := <-got
	assert.Equal(t, "acme", s.tenant)
	assert.Equal(t, []string{"root", "planner"}, s.chain)
}

func TestTaskHandler_ReadEndpoints(t *testing.T) {
	ts := newTaskServer(t, writer())
	ctx := context.Background()

	parent, err := ts.manager.CreateTask(ctx, task.CreateTaskRequest{AgentID: "writer", Parts: []task.Part{task.TextPart("p")}})
	require.NoError(t, err)
	for _, text := range []string{"a", "b"} {
		seq, err := ts.client.CreateTask(ctx, "writer", a2a.CreateTaskRequest{
			MessageParts: []task.Part{task.TextPart(text)},
			ParentTaskID: parent.ID,
		})
		require.NoError(t, err)
		streamAll(t, seq)
	}

	get := func(path string) (*http.Response, Response) {
		resp, err := http.Get(ts.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := get("/api/v1/tasks/" + parent.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)

	resp, body = get("/api/v1/tasks/" + parent.ID + "/hierarchy")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := json.Marshal(body.Data)
	var h router.Hierarchy
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Len(t, h.Children, 2)
	assert.Nil(t, h.Parent)

	resp, body = get("/api/v1/tasks/" + parent.ID + "/children/summary")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = json.Marshal(body.Data)
	var sum router.ChildSummary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Completed)
	assert.Len(t, sum.Artifacts, 2)

	resp, body = get("/api/v1/tasks/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)

	resp, _ = get("/api/v1/tasks/missing/children/summary")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
