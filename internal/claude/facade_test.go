package claude

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devgram/devgram/internal/sessions"
)

// fakeRunner scripts Execute behavior per call.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Request
	run   func(ctx context.Context, req Request, sink StreamSink, call int) (*Response, error)
}

func (r *fakeRunner) Name() string { return "fake" }

func (r *fakeRunner) Execute(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	call := len(r.calls)
	r.mu.Unlock()
	return r.run(ctx, req, sink, call)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestFacade(t *testing.T, runner Runner) (*Facade, *sessions.Manager, string) {
	t.Helper()
	validator, root := newTestValidator(t)
	manager := sessions.NewManager(time.Hour, testLogger())
	facade := NewFacade(FacadeOptions{
		Runner:    runner,
		Sessions:  manager,
		Validator: validator,
		Monitor:   NewToolMonitor(validator, nil, nil, testLogger()),
		Procs:     NewProcessSupervisor(testLogger()),
		Logger:    testLogger(),
	})
	return facade, manager, root
}

func TestFacadeSuccessCommitsSession(t *testing.T) {
	runner := &fakeRunner{
		run: func(_ context.Context, _ Request, _ StreamSink, _ int) (*Response, error) {
			return &Response{
				Content:   "done",
				SessionID: "agent-1",
				Cost:      0.25,
				NumTurns:  2,
				ToolsUsed: []ToolUse{{Name: "Read"}},
			}, nil
		},
	}
	facade, manager, root := newTestFacade(t, runner)

	resp, err := facade.Execute(context.Background(), Request{
		Prompt:           "hello",
		WorkingDirectory: root,
		UserID:           7,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Content != "done" || resp.IsError {
		t.Errorf("resp = %+v", resp)
	}

	session := manager.MostRecent(7, root)
	if session == nil {
		t.Fatal("no session committed")
	}
	if session.SessionID != "agent-1" {
		t.Errorf("session id = %q, want agent-1", session.SessionID)
	}
	if session.TotalCost != 0.25 || session.TotalTurns != 2 {
		t.Errorf("session accumulation = %+v", session)
	}
	if len(session.ToolsUsed) != 1 || session.ToolsUsed[0] != "Read" {
		t.Errorf("session tools = %v", session.ToolsUsed)
	}
}

func TestFacadeRejectsEscapingWorkingDir(t *testing.T) {
	runner := &fakeRunner{
		run: func(_ context.Context, _ Request, _ StreamSink, _ int) (*Response, error) {
			t.Fatal("runner must not be invoked for rejected directories")
			return nil, nil
		},
	}
	facade, _, root := newTestFacade(t, runner)

	resp, err := facade.Execute(context.Background(), Request{
		Prompt:           "hi",
		WorkingDirectory: root + "/../outside",
		UserID:           7,
	}, nil)
	if !IsKind(err, KindPolicyViolation) {
		t.Fatalf("err = %v, want policy violation", err)
	}
	if resp == nil || !resp.IsError || resp.ErrorKind != KindPolicyViolation {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFacadeSessionNotFoundRetriesFresh(t *testing.T) {
	runner := &fakeRunner{
		run: func(_ context.Context, req Request, _ StreamSink, call int) (*Response, error) {
			if call == 1 {
				if req.SessionID == "" {
					t.Error("first call should carry the stale session id")
				}
				return nil, NewError(KindSessionNotFound, "no conversation found")
			}
			if req.SessionID != "" {
				t.Errorf("retry should start fresh, got session %q", req.SessionID)
			}
			return &Response{Content: "fresh", SessionID: "agent-2", NumTurns: 1}, nil
		},
	}
	facade, manager, root := newTestFacade(t, runner)

	// Seed a confirmed session so the facade resumes it.
	seed := manager.GetOrCreate(7, root)
	manager.Confirm(seed.SessionID, "stale-session", 7, root, 0, 1, nil)

	resp, err := facade.Execute(context.Background(), Request{
		Prompt:           "resume me",
		WorkingDirectory: root,
		UserID:           7,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runner.callCount() != 2 {
		t.Errorf("runner called %d times, want 2", runner.callCount())
	}
	if resp.Content != "fresh" {
		t.Errorf("resp = %+v", resp)
	}
	if manager.Get("stale-session") != nil {
		t.Error("stale session should have been invalidated")
	}
}

func TestFacadeContinueScopedToWorkingDir(t *testing.T) {
	var resumed string
	runner := &fakeRunner{
		run: func(_ context.Context, req Request, _ StreamSink, _ int) (*Response, error) {
			resumed = req.SessionID
			return &Response{Content: "ok", SessionID: "agent-next", NumTurns: 1}, nil
		},
	}
	facade, manager, root := newTestFacade(t, runner)

	other := filepath.Join(root, "other")
	if err := os.Mkdir(other, 0o755); err != nil {
		t.Fatal(err)
	}

	// The user's most recent session lives in a different directory; a
	// continue from the root must not pick it up.
	seedRoot := manager.GetOrCreate(7, root)
	manager.Confirm(seedRoot.SessionID, "agent-root", 7, root, 0, 1, nil)
	time.Sleep(time.Millisecond)
	seedOther := manager.GetOrCreate(7, other)
	manager.Confirm(seedOther.SessionID, "agent-other", 7, other, 0, 1, nil)

	_, err := facade.Execute(context.Background(), Request{
		Prompt:           "keep going",
		WorkingDirectory: root,
		UserID:           7,
		ContinueSession:  true,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resumed != "agent-root" {
		t.Errorf("resumed session %q, want agent-root", resumed)
	}
}

func TestFacadeCriticalToolDenialAbortsRun(t *testing.T) {
	runner := &fakeRunner{
		run: func(_ context.Context, _ Request, sink StreamSink, _ int) (*Response, error) {
			err := sink(StreamUpdate{
				Type:     UpdateToolCall,
				CallID:   "c1",
				ToolName: "Write",
				ToolArgs: map[string]any{"path": "/etc/passwd"},
			})
			if err == nil {
				t.Error("sink should deny the escaping Write")
			}
			return nil, err
		},
	}
	facade, _, root := newTestFacade(t, runner)

	resp, err := facade.Execute(context.Background(), Request{
		Prompt:           "overwrite passwd",
		WorkingDirectory: root,
		UserID:           7,
	}, nil)
	if !IsKind(err, KindToolValidation) {
		t.Fatalf("err = %v, want tool validation", err)
	}
	if !resp.IsError || resp.ErrorKind != KindToolValidation {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFacadeNonCriticalDenialFlagsResponse(t *testing.T) {
	runner := &fakeRunner{
		run: func(_ context.Context, _ Request, sink StreamSink, _ int) (*Response, error) {
			// Bash with a dangerous command is denied but not critical:
			// the run carries on to a normal completion.
			if err := sink(StreamUpdate{
				Type:     UpdateToolCall,
				CallID:   "c1",
				ToolName: "Bash",
				ToolArgs: map[string]any{"command": "sudo id"},
			}); err != nil {
				return nil, err
			}
			return &Response{Content: "carried on", SessionID: "s1"}, nil
		},
	}
	facade, _, root := newTestFacade(t, runner)

	resp, err := facade.Execute(context.Background(), Request{
		Prompt:           "try sudo",
		WorkingDirectory: root,
		UserID:           7,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runner.callCount() != 1 {
		t.Errorf("runner called %d times, want 1", runner.callCount())
	}
	// The completed run still reports the denial to the user.
	if !resp.IsError || resp.ErrorKind != KindToolValidation {
		t.Errorf("resp = %+v, want tool validation error flagged", resp)
	}
	if !strings.Contains(resp.Content, "Bash") {
		t.Errorf("content should name the blocked tool: %q", resp.Content)
	}
	if !strings.Contains(resp.Content, "carried on") {
		t.Errorf("content should keep the agent output: %q", resp.Content)
	}
}

func TestFacadePreemption(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{
		run: func(ctx context.Context, _ Request, _ StreamSink, call int) (*Response, error) {
			if call == 1 {
				close(release)
				<-ctx.Done()
				return nil, WrapError(KindCancelled, ctx.Err(), "preempted")
			}
			return &Response{Content: "second", SessionID: "s2"}, nil
		},
	}
	facade, _, root := newTestFacade(t, runner)

	firstDone := make(chan error, 1)
	go func() {
		_, err := facade.Execute(context.Background(), Request{
			Prompt: "first", WorkingDirectory: root, UserID: 7,
		}, nil)
		firstDone <- err
	}()

	select {
	case <-release:
	case <-time.After(3 * time.Second):
		t.Fatal("first run never started")
	}

	resp, err := facade.Execute(context.Background(), Request{
		Prompt: "second", WorkingDirectory: root, UserID: 7,
	}, nil)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if resp.Content != "second" {
		t.Errorf("resp = %+v", resp)
	}

	select {
	case err := <-firstDone:
		if !IsKind(err, KindCancelled) {
			t.Errorf("first run err = %v, want cancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first run never finished")
	}
}

func TestFacadeCancel(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{
		run: func(ctx context.Context, _ Request, _ StreamSink, _ int) (*Response, error) {
			close(started)
			<-ctx.Done()
			return nil, WrapError(KindCancelled, ctx.Err(), "stopped")
		},
	}
	facade, _, root := newTestFacade(t, runner)

	done := make(chan error, 1)
	go func() {
		_, err := facade.Execute(context.Background(), Request{
			Prompt: "slow", WorkingDirectory: root, UserID: 7,
		}, nil)
		done <- err
	}()
	<-started

	if !facade.Cancel(7) {
		t.Error("Cancel should report an active run")
	}
	select {
	case err := <-done:
		if !IsKind(err, KindCancelled) {
			t.Errorf("err = %v, want cancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	if facade.Cancel(7) {
		t.Error("Cancel with nothing running should report false")
	}
}

func TestUserFacingMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"timeout",
			NewError(KindTimeout, "run exceeded 5m"),
			"took too long",
		},
		{
			"cancelled",
			NewError(KindCancelled, "stream reading cancelled"),
			"Stopped.",
		},
		{
			"tool validation",
			NewToolValidationError([]string{"Write"}, "outside approved directory"),
			"blocked operation",
		},
		{
			"usage limit",
			NewError(KindProcess, "Claude AI usage limit reached|1700000000"),
			"Usage limit reached",
		},
		{
			"plain process error",
			NewError(KindProcess, "exit status 1"),
			"Agent error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserFacingMessage(tt.err)
			if !strings.Contains(got, tt.want) {
				t.Errorf("UserFacingMessage = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestParseUsageLimit(t *testing.T) {
	reset, ok := parseUsageLimit("Claude AI usage limit reached|1700000000")
	if !ok {
		t.Fatal("marker not recognized")
	}
	if reset.Unix() != 1700000000 {
		t.Errorf("reset = %d, want 1700000000", reset.Unix())
	}
	if _, ok := parseUsageLimit("usage limit reached eventually"); ok {
		t.Error("missing epoch should not parse")
	}
	if _, ok := parseUsageLimit("something else entirely"); ok {
		t.Error("unrelated text should not parse")
	}
}
