package server

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// New builds the MCP server with the full notebook tool surface registered.
func New(h *Handlers, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"nbpilot",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	startKernelTool := mcp.NewTool(
		"start_kernel",
		mcp.WithDescription("Start (or ensure) a kernel for a notebook. Creates the session if needed; a no-op when a kernel is already running"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithObject("env",
			mcp.Description("Extra environment variables for the kernel process, e.g. {\"interpreter\": \"/usr/bin/python3.12\"}"),
		),
	)
	s.AddTool(startKernelTool, h.handleStartKernel)

	runCellTool := mcp.NewTool(
		"run_cell_async",
		mcp.WithDescription("Queue a cell for execution and return an execution_id immediately. Executions run strictly in submission order"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithString("cell_ref",
			mcp.Description("Cell id or zero-based cell index. Required unless code_override carries the code"),
		),
		mcp.WithString("code_override",
			mcp.Description("Run this code instead of the cell's saved source. The notebook file is not modified when no cell_ref is given"),
		),
		mcp.WithBoolean("stop_on_error",
			mcp.Description("When true, a failed execution cancels everything still queued behind it"),
		),
	)
	s.AddTool(runCellTool, h.handleRunCellAsync)

	statusTool := mcp.NewTool(
		"get_execution_status",
		mcp.WithDescription("Get the current status and full sanitized outputs of an execution"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution id returned by run_cell_async"),
		),
	)
	s.AddTool(statusTool, h.handleGetExecutionStatus)

	streamTool := mcp.NewTool(
		"get_execution_stream",
		mcp.WithDescription("Get incremental outputs of an execution since a cursor (tail -f style). Pass the returned cursor back to continue"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution id returned by run_cell_async"),
		),
		mcp.WithNumber("cursor",
			mcp.Description("Cursor from the previous call (0 or omitted reads from the beginning)"),
		),
	)
	s.AddTool(streamTool, h.handleGetExecutionStream)

	interruptTool := mcp.NewTool(
		"interrupt_execution",
		mcp.WithDescription("Interrupt a running execution or cancel it while still queued"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution id returned by run_cell_async"),
		),
	)
	s.AddTool(interruptTool, h.handleInterruptExecution)

	restartTool := mcp.NewTool(
		"restart_kernel",
		mcp.WithDescription("Stop the kernel (interrupting any in-flight execution) and start a fresh one. All kernel state is lost"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
	)
	s.AddTool(restartTool, h.handleRestartKernel)

	detectSyncTool := mcp.NewTool(
		"detect_sync_needed",
		mcp.WithDescription("Report whether the notebook on disk has diverged from what the kernel has executed"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
	)
	s.AddTool(detectSyncTool, h.handleDetectSyncNeeded)

	syncTool := mcp.NewTool(
		"sync_state_from_disk",
		mcp.WithDescription("Rebuild kernel state from the notebook on disk by restarting and replaying previously-executed code cells in order"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithString("mode",
			mcp.Description("'auto' (default) replays only when divergence is detected; 'full' always restarts and replays"),
		),
	)
	s.AddTool(syncTool, h.handleSyncStateFromDisk)

	describeTool := mcp.NewTool(
		"describe_variable",
		mcp.WithDescription("Ask the live kernel to describe a variable (type, shape, repr) without queueing an execution"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Variable name in the kernel namespace"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("How long to wait for the kernel's answer (default 10000)"),
		),
	)
	s.AddTool(describeTool, h.handleDescribeVariable)

	readAssetTool := mcp.NewTool(
		"read_asset",
		mcp.WithDescription("Read an offloaded output asset referenced from the notebook (asset://... refs), with optional slicing or search"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file the asset belongs to"),
		),
		mcp.WithString("asset_id",
			mcp.Required(),
			mcp.Description("Asset id from an asset:// reference"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Byte offset to start reading from"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum bytes to return (0 = store default)"),
		),
		mcp.WithString("search",
			mcp.Description("Return only lines containing this substring"),
		),
	)
	s.AddTool(readAssetTool, h.handleReadAsset)

	gcTool := mcp.NewTool(
		"collect_garbage",
		mcp.WithDescription("Delete offloaded assets no longer referenced by the notebook on disk"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
	)
	s.AddTool(gcTool, h.handleCollectGarbage)

	listTool := mcp.NewTool(
		"list_sessions",
		mcp.WithDescription("List all active notebook sessions with kernel and queue state"),
	)
	s.AddTool(listTool, h.handleListSessions)

	shutdownTool := mcp.NewTool(
		"shutdown",
		mcp.WithDescription("Shut down one notebook session: cancel queued executions and stop its kernel"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the .ipynb notebook file"),
		),
	)
	s.AddTool(shutdownTool, h.handleShutdown)

	shutdownAllTool := mcp.NewTool(
		"shutdown_all",
		mcp.WithDescription("Shut down every active session and stop all kernels"),
	)
	s.AddTool(shutdownAllTool, h.handleShutdownAll)

	return s
}
