package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"nbpilot/internal/assets"
	"nbpilot/internal/session"
)

// Handlers binds the tool surface to an explicit session manager. The
// manager is passed in by the process entry point; handlers hold no global
// state.
type Handlers struct {
	mgr    *session.Manager
	logger *zap.Logger
}

// NewHandlers wires tool handlers to a manager.
func NewHandlers(mgr *session.Manager, logger *zap.Logger) *Handlers {
	return &Handlers{mgr: mgr, logger: logger.Named("tools")}
}

const defaultDescribeTimeout = 10 * time.Second

// toolJSON marshals a response payload into a text tool result.
func toolJSON(v any) *mcp.CallToolResult {
	data, _ := json.Marshal(v)
	return mcp.NewToolResultText(string(data))
}

// toolError renders an error with its machine-distinguishable kind so the
// calling agent can branch on it.
func toolError(err error) *mcp.CallToolResult {
	payload := map[string]any{
		"error_kind": string(session.KindOf(err)),
		"message":    err.Error(),
	}
	data, _ := json.Marshal(payload)
	return mcp.NewToolResultError(string(data))
}

// arguments returns the raw argument map, tolerating absent arguments.
func arguments(request mcp.CallToolRequest) map[string]any {
	if m, ok := request.Params.Arguments.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func optString(request mcp.CallToolRequest, key, fallback string) string {
	if v, ok := arguments(request)[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func optInt(request mcp.CallToolRequest, key string, fallback int) int {
	if v, ok := arguments(request)[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return fallback
}

func optBool(request mcp.CallToolRequest, key string, fallback bool) bool {
	if v, ok := arguments(request)[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func optStringMap(request mcp.CallToolRequest, key string) map[string]string {
	out := map[string]string{}
	if v, ok := arguments(request)[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, raw := range m {
				if s, ok := raw.(string); ok {
					out[k] = s
				}
			}
		}
	}
	return out
}

func (h *Handlers) handleStartKernel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	s, err := h.mgr.GetOrCreate(path)
	if err != nil {
		return toolError(err), nil
	}
	if err := s.StartKernel(ctx, optStringMap(request, "env")); err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"status": "running", "path": s.Path}), nil
}

func (h *Handlers) handleRunCellAsync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	cellRef := optString(request, "cell_ref", "")
	code := optString(request, "code_override", "")

	s, err := h.mgr.GetOrCreate(path)
	if err != nil {
		return toolError(err), nil
	}
	if _, ok := arguments(request)["stop_on_error"]; ok {
		s.SetStopOnError(optBool(request, "stop_on_error", false))
	}
	execID, err := s.Run(cellRef, code)
	if err != nil {
		return toolError(err), nil
	}
	h.logger.Debug("execution queued",
		zap.String("execution", execID), zap.String("notebook", s.Path), zap.String("cell", cellRef))
	return toolJSON(map[string]any{"execution_id": execID, "status": string(session.StatusQueued)}), nil
}

func (h *Handlers) handleGetExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	execID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'execution_id' argument"), nil
	}
	snap, err := h.mgr.Status(path, execID)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(snap), nil
}

func (h *Handlers) handleGetExecutionStream(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	execID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'execution_id' argument"), nil
	}
	cursor := optInt(request, "cursor", 0)
	outputs, next, status, err := h.mgr.Stream(path, execID, cursor)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{
		"execution_id": execID,
		"status":       string(status),
		"outputs":      outputs,
		"cursor":       next,
	}), nil
}

func (h *Handlers) handleInterruptExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	execID, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'execution_id' argument"), nil
	}
	s, err := h.mgr.Get(path)
	if err != nil {
		return toolError(err), nil
	}
	status, err := s.Interrupt(execID)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"execution_id": execID, "status": string(status)}), nil
}

func (h *Handlers) handleRestartKernel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	s, err := h.mgr.GetOrCreate(path)
	if err != nil {
		return toolError(err), nil
	}
	if err := s.Restart(ctx); err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"status": "running", "path": s.Path}), nil
}

func (h *Handlers) handleDetectSyncNeeded(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	s, err := h.mgr.GetOrCreate(path)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{
		"sync_needed":    s.DetectSyncNeeded(),
		"possibly_stale": s.PossiblyStale(),
	}), nil
}

func (h *Handlers) handleSyncStateFromDisk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	mode := optString(request, "mode", session.SyncAuto)
	s, err := h.mgr.GetOrCreate(path)
	if err != nil {
		return toolError(err), nil
	}
	replayed, err := s.SyncFromDisk(ctx, mode)
	if err != nil {
		return toolError(err), nil
	}
	h.logger.Info("state synced from disk",
		zap.String("notebook", s.Path), zap.Int("cells_replayed", replayed))
	return toolJSON(map[string]any{"status": "synced", "cells_replayed": replayed}), nil
}

func (h *Handlers) handleDescribeVariable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'name' argument"), nil
	}
	s, err := h.mgr.Get(path)
	if err != nil {
		return toolError(err), nil
	}
	timeout := time.Duration(optInt(request, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultDescribeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	desc, err := s.Describe(ctx, name)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"name": name, "description": desc}), nil
}

func (h *Handlers) handleReadAsset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	assetID, err := request.RequireString("asset_id")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'asset_id' argument"), nil
	}
	opts := assets.ReadOptions{
		Offset: int64(optInt(request, "offset", 0)),
		Limit:  int64(optInt(request, "limit", 0)),
		Search: optString(request, "search", ""),
	}
	data, ref, err := h.mgr.ReadAsset(path, assetID, opts)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{
		"asset_id": ref.ID,
		"mime":     ref.Mime,
		"size":     ref.Size,
		"content":  string(data),
	}), nil
}

func (h *Handlers) handleCollectGarbage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	removed, err := h.mgr.GarbageCollect(path)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"removed": removed}), nil
}

func (h *Handlers) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(h.mgr.List()), nil
}

func (h *Handlers) handleShutdown(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'path' argument"), nil
	}
	if err := h.mgr.Shutdown(ctx, path); err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"status": "shut_down", "path": path}), nil
}

func (h *Handlers) handleShutdownAll(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := h.mgr.ShutdownAll(ctx); err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{"status": "shut_down"}), nil
}
