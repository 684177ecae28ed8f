package replay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unmodeled-tyler/eigent-sub000/internal/backend"
	"github.com/unmodeled-tyler/eigent-sub000/internal/chat"
	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
	"github.com/unmodeled-tyler/eigent-sub000/internal/stream"
	"github.com/unmodeled-tyler/eigent-sub000/internal/taskruntime"
)

type fixture struct {
	orch     *Orchestrator
	runtime  *taskruntime.Service
	projects *project.Manager
	streams  *stream.ScriptedAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	streams := stream.NewScriptedAdapter(nil, 0)
	api := backend.NewClient(backend.Config{BaseURL: ts.URL, MaxAttempts: 1}, streams, nil)
	projects := project.NewManager(nil)
	runtime := taskruntime.New(taskruntime.Config{}, projects, api, nil, nil)
	t.Cleanup(func() { _ = runtime.Close() })

	return &fixture{
		orch:     New(runtime, nil, 0, nil),
		runtime:  runtime,
		projects: projects,
		streams:  streams,
	}
}

func (f *fixture) next(t *testing.T) *stream.ScriptedStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := f.streams.Next(ctx)
	require.NoError(t, err)
	return s
}

func (f *fixture) task(t *testing.T, res Result) chat.Task {
	t.Helper()
	c, err := f.projects.ChatStore(res.ProjectID, res.ContainerID)
	require.NoError(t, err)
	task, err := c.Get(res.TaskID)
	require.NoError(t, err)
	return task
}

func TestReplayProjectKeepsLiteralQuestion(t *testing.T) {
	f := newFixture(t)
	navigated := make(chan string, 1)

	res, err := f.orch.ReplayProject(context.Background(), Request{
		Question:  "Build a calculator",
		HistoryID: "hist-1",
	}, func(_, path string) { navigated <- path })
	require.NoError(t, err)

	p, err := f.projects.Project(res.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "Replay Project Build a calculator", p.Name)
	require.Len(t, p.ContainerIDs, 2)
	stores, err := f.projects.AllChatStores(res.ProjectID)
	require.NoError(t, err)
	require.Len(t, stores, 2)
	assert.Equal(t, chat.KindPlaceholder, stores[0].Kind())
	assert.Equal(t, chat.KindLive, stores[1].Kind())
	assert.Equal(t, res.ContainerID, stores[1].ID())
	assert.Equal(t, res.ContainerID, p.ActiveContainerID)

	s := f.next(t)
	assert.True(t, strings.HasSuffix(s.Request.URL, "/api/chat/steps/playback/hist-1"), s.Request.URL)

	require.NoError(t, s.Emit(protocol.Confirmed{Question: "build calculator (normalized)"}))
	require.NoError(t, s.Emit(protocol.SubTasks{SummaryTask: "Calc|d", SubTasks: []protocol.SubTask{{ID: "1", Content: "code"}}}))
	require.NoError(t, s.Emit(protocol.TaskState{TaskID: "1", State: "DONE"}))
	require.NoError(t, s.Emit(protocol.End{Summary: "done"}))

	select {
	case path := <-navigated:
		assert.Equal(t, HomePath, path)
	case <-time.After(time.Second):
		t.Fatal("navigate was not called")
	}

	task := f.task(t, res)
	assert.Equal(t, chat.TypeReplay, task.Type)
	assert.Equal(t, "Build a calculator", task.Messages[0].Content)
	assert.Equal(t, chat.StatusFinished, task.Status)

	c, err := f.projects.ChatStore(res.ProjectID, res.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestReplayProjectWithoutQuestionSeedsFromConfirmed(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.ReplayProject(context.Background(), Request{HistoryID: "hist-2"}, nil)
	require.NoError(t, err)

	s := f.next(t)
	require.NoError(t, s.Emit(protocol.Confirmed{Question: "from the recording"}))

	task := f.task(t, res)
	require.Len(t, task.Messages, 1)
	assert.Equal(t, "from the recording", task.Messages[0].Content)
}

func TestReplayShareUsesShareEndpoint(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.ReplayProject(context.Background(), Request{
		Question:  "shared",
		HistoryID: "share-token",
		Type:      chat.TypeShare,
	}, nil)
	require.NoError(t, err)

	s := f.next(t)
	assert.Contains(t, s.Request.URL, "/api/chat/share/playback/share-token")
	assert.Equal(t, chat.TypeShare, f.task(t, res).Type)
}

func TestReplayProjectRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ReplayProject(context.Background(), Request{Question: "q"}, nil)
	assert.ErrorIs(t, err, ErrNoHistory)

	_, err = f.orch.ReplayProject(context.Background(), Request{HistoryID: "h", Type: chat.TypeNormal}, nil)
	assert.Error(t, err)
	assert.Empty(t, f.projects.List())
}

func TestReplayProjectRemovedWhenPlaybackFails(t *testing.T) {
	f := newFixture(t)
	f.streams.FailOpens(errors.New("connection refused"))

	_, err := f.orch.ReplayProject(context.Background(), Request{Question: "q", HistoryID: "hist-x"}, nil)
	require.Error(t, err)
	assert.Empty(t, f.projects.List())
	assert.Empty(t, f.runtime.ActiveStreams())
}

func TestLiveSendDuringReplayLeavesRecordingIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.orch.ReplayProject(ctx, Request{Question: "Build a calculator", HistoryID: "hist-3"}, nil)
	require.NoError(t, err)

	replayStream := f.next(t)
	require.NoError(t, replayStream.Emit(protocol.Confirmed{Question: "Build a calculator"}))
	require.NoError(t, replayStream.Emit(protocol.SubTasks{SummaryTask: "Calc|d", SubTasks: []protocol.SubTask{{ID: "1", Content: "code"}}}))

	sent, err := f.runtime.Submit(ctx, taskruntime.SendRequest{ProjectID: res.ProjectID, Content: "something else"})
	require.NoError(t, err)
	assert.Equal(t, taskruntime.OutcomeStarted, sent.Outcome)
	assert.NotEqual(t, res.ContainerID, sent.ContainerID)

	liveStream := f.next(t)
	require.NoError(t, liveStream.Emit(protocol.WaitConfirm{Content: "Sure, what kind?"}))

	require.NoError(t, replayStream.Emit(protocol.TaskState{TaskID: "1", State: "DONE"}))
	require.NoError(t, replayStream.Emit(protocol.End{Summary: "done"}))

	stores, err := f.projects.AllChatStores(res.ProjectID)
	require.NoError(t, err)
	assert.Len(t, stores, 3)

	recorded := f.task(t, res)
	require.Len(t, recorded.Messages, 3)
	assert.Equal(t, chat.RoleUser, recorded.Messages[0].Role)
	assert.Equal(t, "Build a calculator", recorded.Messages[0].Content)
	assert.Equal(t, string(protocol.StepToSubTasks), recorded.Messages[1].Step)
	assert.Equal(t, string(protocol.StepEnd), recorded.Messages[2].Step)
	assert.Equal(t, chat.StatusFinished, recorded.Status)

	live := f.task(t, Result{ProjectID: res.ProjectID, ContainerID: sent.ContainerID, TaskID: sent.TaskID})
	require.Len(t, live.Messages, 2)
	assert.Equal(t, "something else", live.Messages[0].Content)
	assert.True(t, live.HasWaitConfirm)
	assert.False(t, liveStream.Handle().Closed())
}

func TestReplayActiveTaskUsesFirstUserMessage(t *testing.T) {
	f := newFixture(t)
	projectID := f.projects.CreateProject("live", "")
	c, err := f.projects.ActiveChatStore(projectID)
	require.NoError(t, err)
	taskID := c.ActiveTaskID()
	_, err = c.Dispatch(taskID,
		chat.BeginRound{Message: chat.Message{Content: "  Plan a trip  "}},
		chat.ApplyStep{Event: protocol.End{Summary: "ok"}},
	)
	require.NoError(t, err)

	res, err := f.orch.ReplayActiveTask(context.Background(), c, nil)
	require.NoError(t, err)
	assert.NotEqual(t, projectID, res.ProjectID)

	s := f.next(t)
	assert.Contains(t, s.Request.URL, "/playback/"+taskID)
	require.NoError(t, s.Emit(protocol.Confirmed{Question: "Plan a trip"}))
	assert.Equal(t, "  Plan a trip  ", f.task(t, res).Messages[0].Content)
}
