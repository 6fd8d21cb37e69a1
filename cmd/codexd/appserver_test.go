//go:build !windows

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rexliu/codexbridge/pkg/bridge"
	"github.com/rexliu/codexbridge/pkg/config"
	"github.com/rexliu/codexbridge/pkg/ipc"
	"github.com/rexliu/codexbridge/pkg/storage/sqlite"
)

var (
	fakeBuildOnce  sync.Once
	fakeBuildDir   string
	fakeBinaryPath string
	errFakeBuild   error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if fakeBuildDir != "" {
		os.RemoveAll(fakeBuildDir)
	}
	os.Exit(code)
}

func buildFakeAppServer() {
	dir, err := os.MkdirTemp("", "fake-app-server-*")
	if err != nil {
		errFakeBuild = fmt.Errorf("tmpdir: %w", err)
		return
	}
	fakeBuildDir = dir
	fakeBinaryPath = filepath.Join(dir, "fake-app-server")
	cmd := exec.Command("go", "build", "-o", fakeBinaryPath, "../../pkg/bridge/testdata/fake-app-server/main.go")
	if out, err := cmd.CombinedOutput(); err != nil {
		errFakeBuild = fmt.Errorf("build fake app-server: %w: %s", err, out)
	}
}

// newFakeDaemon serves a daemon backed by the fake app-server.
func newFakeDaemon(t *testing.T) (*daemon, *ipc.Client, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	fakeBuildOnce.Do(buildFakeAppServer)
	if errFakeBuild != nil {
		t.Fatalf("fake app-server build failed: %v", errFakeBuild)
	}
	return startTestDaemon(t, func(cfg *config.ProfileConfig) {
		cfg.AppServer.BinaryPath = fakeBinaryPath
		cfg.AppServer.CallTimeout.Duration = 5 * time.Second
		cfg.AppServer.HandshakeTimeout.Duration = 5 * time.Second
		cfg.AppServer.GracePeriod.Duration = time.Second
	})
}

func dialDaemon(t *testing.T, socket string) *ipc.Client {
	t.Helper()
	c, err := ipc.Dial(context.Background(), socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func listApprovals(t *testing.T, c *ipc.Client, all bool) []sqlite.Entry {
	t.Helper()
	resp, err := c.Call(context.Background(), "list_approvals", map[string]any{"all": all})
	if err != nil {
		t.Fatalf("list_approvals: %v", err)
	}
	var list struct {
		Approvals []sqlite.Entry `json:"approvals"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("decode approvals: %v", err)
	}
	return list.Approvals
}

func TestApprovalRoundTripThroughDaemon(t *testing.T) {
	d, c, socket := newFakeDaemon(t)
	ctx := context.Background()

	sub := dialDaemon(t, socket)
	frames, err := sub.Subscribe("subscribe_events", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.hub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The fake answers "approve" only after it receives a decision.
	caller := dialDaemon(t, socket)
	type callResult struct {
		resp *ipc.Response
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := caller.Call(callCtx, "call", map[string]any{"method": "approve", "timeoutMs": 5000})
		done <- callResult{resp, err}
	}()

	seen := map[string]bool{}
	var request bridge.Event
	for request.RequestID == nil {
		select {
		case frame, ok := <-frames:
			if !ok {
				t.Fatal("event stream closed")
			}
			var ev bridge.Event
			if err := json.Unmarshal(frame, &ev); err != nil {
				t.Fatalf("decode event %s: %v", frame, err)
			}
			seen[ev.Name] = true
			if ev.IsRequest() {
				request = ev
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no approval request event (saw %v)", seen)
		}
	}
	if !seen["thread-started"] {
		t.Fatalf("notification before the request was not streamed: %v", seen)
	}
	if request.Name != "item-commandExecution-requestApproval" || *request.RequestID != 900 {
		t.Fatalf("request event = %+v", request)
	}

	pending := listApprovals(t, c, false)
	if len(pending) != 1 || pending[0].RequestID != 900 || pending[0].Status != sqlite.StatusPending {
		t.Fatalf("pending approvals = %+v", pending)
	}

	resp, err := c.Call(ctx, "respond_approval", map[string]any{"requestId": 900, "decision": "accept"})
	if err != nil {
		t.Fatalf("respond_approval: %v", err)
	}
	var answer struct {
		Status   string `json:"status"`
		Approved bool   `json:"approved"`
	}
	if err := json.Unmarshal(resp.Result, &answer); err != nil || answer.Status != "ok" || !answer.Approved {
		t.Fatalf("respond_approval result = %s (%v)", resp.Result, err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("approve call: %v", res.err)
		}
		if got := string(res.resp.Result); got != `{"decision":"accept"}` {
			t.Fatalf("approve result = %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approve call did not complete after the decision was sent")
	}

	if left := listApprovals(t, c, false); len(left) != 0 {
		t.Fatalf("approvals still pending: %+v", left)
	}
	recent, err := d.store.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != sqlite.StatusAnswered || string(recent[0].Outcome) != `{"decision":"accept"}` || recent[0].AnsweredAt == nil {
		t.Fatalf("journal = %+v", recent)
	}
}

func TestDaemonLifecycleWithAppServer(t *testing.T) {
	_, c, _ := newFakeDaemon(t)
	ctx := context.Background()

	status := func() bridge.Status {
		t.Helper()
		resp, err := c.Call(ctx, "server_status", nil)
		if err != nil {
			t.Fatalf("server_status: %v", err)
		}
		var st bridge.Status
		if err := json.Unmarshal(resp.Result, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		return st
	}

	resp, err := c.Call(ctx, "call", map[string]any{"method": "listThreads"})
	if err != nil {
		t.Fatalf("call listThreads: %v", err)
	}
	if got := string(resp.Result); got != `{"data":[{"id":"t-1"}]}` {
		t.Fatalf("listThreads result = %s", got)
	}
	_, err = c.Call(ctx, "call", map[string]any{"method": "model/list"})
	expectCode(t, err, ipc.CodeMethodError)

	if _, err := c.Call(ctx, "notify", map[string]any{"method": "thread/heartbeat"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	first := status()
	if !first.Running || first.State != "ready" || first.PID <= 0 {
		t.Fatalf("status after first call = %+v", first)
	}

	resp, err = c.Call(ctx, "stop_server", nil)
	if err != nil {
		t.Fatalf("stop_server: %v", err)
	}
	var stopped struct {
		Exit bridge.ExitStatus `json:"exit"`
	}
	if err := json.Unmarshal(resp.Result, &stopped); err != nil || stopped.Exit.Forced {
		t.Fatalf("stop result = %s (%v)", resp.Result, err)
	}
	if st := status(); st.Running || st.State != "terminated" {
		t.Fatalf("status after stop = %+v", st)
	}

	if _, err := c.Call(ctx, "restart_server", nil); err != nil {
		t.Fatalf("restart_server: %v", err)
	}
	st := status()
	if !st.Running || st.State != "ready" || st.Restarts != 1 || st.PID == first.PID {
		t.Fatalf("status after restart = %+v (first pid %d)", st, first.PID)
	}
}
