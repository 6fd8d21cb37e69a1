package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rexliu/codexbridge/pkg/bridge"
	"github.com/rexliu/codexbridge/pkg/core"
	"github.com/rexliu/codexbridge/pkg/ipc"
	"github.com/rexliu/codexbridge/pkg/storage/sqlite"
)

func (d *daemon) registerHandlers(srv *ipc.Server) {
	srv.Register("ping", pingHandler(d.logger))
	srv.Register("server_status", d.handleStatus)
	srv.Register("start_server", d.handleStart)
	srv.Register("stop_server", d.handleStop)
	srv.Register("restart_server", d.handleRestart)
	srv.Register("call", d.handleCall)
	srv.Register("notify", d.handleNotify)
	srv.Register("respond", d.handleRespond)
	srv.Register("respond_error", d.handleRespondError)
	srv.Register("respond_approval", d.handleRespondApproval)
	srv.Register("list_approvals", d.handleListApprovals)
	srv.RegisterStream("subscribe_events", d.hub.subscribe)
}

func (d *daemon) handleStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.manager.Status(), nil
}

func (d *daemon) handleStart(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	if err := d.manager.Start(ctx); err != nil {
		return nil, bridgeError(err)
	}
	return d.manager.Status(), nil
}

func (d *daemon) handleStop(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	status, err := d.manager.Stop()
	if err != nil {
		return nil, bridgeError(err)
	}
	return map[string]any{"exit": status}, nil
}

func (d *daemon) handleRestart(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	if err := d.manager.Restart(ctx); err != nil {
		return nil, bridgeError(err)
	}
	return d.manager.Status(), nil
}

// maxCallTimeout bounds the per-call timeoutMs a client may request.
const maxCallTimeout = time.Hour

type callParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	TimeoutMS int64           `json:"timeoutMs"`
}

func (d *daemon) handleCall(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req callParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "method required", nil)
	}
	if req.TimeoutMS < 0 || req.TimeoutMS > maxCallTimeout.Milliseconds() {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "timeoutMs out of range", map[string]any{"max": maxCallTimeout.Milliseconds()})
	}
	result, err := d.manager.Call(ctx, req.Method, rawOrNil(req.Params), time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, bridgeError(err)
	}
	return result, nil
}

func (d *daemon) handleNotify(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req callParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "method required", nil)
	}
	if err := d.manager.Notify(ctx, req.Method, rawOrNil(req.Params)); err != nil {
		return nil, bridgeError(err)
	}
	return map[string]any{"status": "ok"}, nil
}

type respondParams struct {
	RequestID *uint64         `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`

	Decision            string                    `json:"decision"`
	ExecPolicyAmendment *core.ExecPolicyAmendment `json:"execpolicyAmendment"`
}

func decodeRespond(params json.RawMessage) (respondParams, *ipc.Error) {
	var req respondParams
	if err := decodeParams(params, &req); err != nil {
		return req, err
	}
	if req.RequestID == nil {
		return req, ipc.Errorf(ipc.CodeInvalidRequest, "requestId required", nil)
	}
	return req, nil
}

func (d *daemon) handleRespond(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	req, ipcErr := decodeRespond(params)
	if ipcErr != nil {
		return nil, ipcErr
	}
	result := req.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	if err := d.manager.Respond(*req.RequestID, result); err != nil {
		return nil, bridgeError(err)
	}
	d.markAnswered(ctx, *req.RequestID, result)
	return map[string]any{"status": "ok"}, nil
}

func (d *daemon) handleRespondError(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	req, ipcErr := decodeRespond(params)
	if ipcErr != nil {
		return nil, ipcErr
	}
	if req.Message == "" {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "message required", nil)
	}
	if err := d.manager.RespondError(*req.RequestID, req.Code, req.Message); err != nil {
		return nil, bridgeError(err)
	}
	outcome, _ := json.Marshal(map[string]any{"error": map[string]any{"code": req.Code, "message": req.Message}})
	d.markAnswered(ctx, *req.RequestID, outcome)
	return map[string]any{"status": "ok"}, nil
}

func (d *daemon) handleRespondApproval(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	req, ipcErr := decodeRespond(params)
	if ipcErr != nil {
		return nil, ipcErr
	}
	decision, err := core.ParseDecision(req.Decision, req.ExecPolicyAmendment)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), map[string]any{"decision": req.Decision})
	}
	if err := d.manager.RespondApproval(*req.RequestID, decision); err != nil {
		return nil, bridgeError(err)
	}
	outcome, _ := json.Marshal(core.ApprovalResponse{Decision: decision})
	d.markAnswered(ctx, *req.RequestID, outcome)
	d.logger.Infof("request %d answered %s (approved=%t)", *req.RequestID, decision.Kind, decision.Approves())
	return map[string]any{"status": "ok", "decision": decision, "approved": decision.Approves()}, nil
}

func (d *daemon) markAnswered(ctx context.Context, requestID uint64, outcome json.RawMessage) {
	err := d.store.MarkAnswered(ctx, requestID, outcome)
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		d.logger.Debugf("request %d not in journal", requestID)
	case err != nil:
		d.logger.Warnf("journal answer %d: %v", requestID, err)
	}
}

func (d *daemon) handleListApprovals(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		All   bool `json:"all"`
		Limit int  `json:"limit"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	var (
		entries []sqlite.Entry
		err     error
	)
	if req.All {
		entries, err = d.store.ListRecent(ctx, req.Limit)
	} else {
		entries, err = d.store.ListPending(ctx)
	}
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	if entries == nil {
		entries = []sqlite.Entry{}
	}
	return map[string]any{"approvals": entries}, nil
}

func decodeParams(params json.RawMessage, v any) *ipc.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ipc.Errorf(ipc.CodeInvalidRequest, "invalid params", map[string]any{"reason": err.Error()})
	}
	return nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// bridgeError maps bridge failures onto IPC error codes.
func bridgeError(err error) *ipc.Error {
	var merr *bridge.MethodError
	if errors.As(err, &merr) {
		details := map[string]any{"method": merr.Method, "code": merr.Code}
		if len(merr.Data) > 0 {
			details["data"] = merr.Data
		}
		return ipc.Errorf(ipc.CodeMethodError, merr.Message, details)
	}
	code := ipc.CodeInternal
	switch {
	case errors.Is(err, bridge.ErrDisconnected):
		code = ipc.CodeDisconnected
	case errors.Is(err, bridge.ErrNotReady):
		code = ipc.CodeNotReady
	case errors.Is(err, bridge.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = ipc.CodeTimeout
	case errors.Is(err, bridge.ErrTransport):
		code = ipc.CodeTransport
	case errors.Is(err, bridge.ErrBinaryNotFound):
		code = ipc.CodeBinaryNotFound
	case errors.Is(err, bridge.ErrLaunchFailed):
		code = ipc.CodeLaunchFailed
	case errors.Is(err, bridge.ErrRestartThrottled):
		code = ipc.CodeThrottled
	}
	return ipc.Errorf(code, err.Error(), nil)
}
