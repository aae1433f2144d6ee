// Package mcpserver exposes session, evidence, and transaction operations
// as MCP tools over stdio so coding agents can drive the state directory
// without shelling out to the CLI.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/rounds"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/txn"
)

// Server wraps the warden data layer and exposes it as MCP tools.
type Server struct {
	sessions *session.Repository
	engine   *txn.Engine
	rounds   *rounds.Manager
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(sessions *session.Repository, engine *txn.Engine, rnds *rounds.Manager) *Server {
	return &Server{
		sessions: sessions,
		engine:   engine,
		rounds:   rnds,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("warden", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.sessionListTool())
	srv.AddTool(s.sessionTransitionTool())
	srv.AddTool(s.addActivityTool())
	srv.AddTool(s.recordEvidenceTool())
	srv.AddTool(s.listRoundsTool())
	srv.AddTool(s.nextRoundTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// warden_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_session_status",
		mcp.WithDescription("Get full session status: state, ownership timestamps, worktree binding, recent activity, and whether a validation transaction is open."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Transaction state is best-effort; a broken tx dir should not hide
	// the session itself.
	openTx, _ := s.engine.HasOpen(id)

	activity := sess.ActivityLog
	if len(activity) > 10 {
		activity = activity[len(activity)-10:]
	}

	result := map[string]any{
		"id":      sess.ID,
		"state":   sess.State,
		"phase":   sess.Phase,
		"ready":   sess.Ready,
		"open_tx": openTx,
		"meta": map[string]any{
			"owner":       sess.Meta.Owner,
			"status":      sess.Meta.Status,
			"created_at":  sess.Meta.CreatedAt.Format(time.RFC3339),
			"last_active": sess.Meta.LastActive.Format(time.RFC3339),
			"extra":       sess.Meta.Extra,
		},
		"activity":      activity,
		"activity_len":  len(sess.ActivityLog),
		"state_history": sess.StateHistory,
	}
	if sess.Meta.ExpiredAt != nil {
		result["expired_at"] = sess.Meta.ExpiredAt.Format(time.RFC3339)
	}
	if sess.HasWorktree() {
		result["git"] = map[string]any{
			"worktree_path": sess.Git.WorktreePath,
			"branch":        sess.Git.BranchName,
			"base_branch":   sess.Git.BaseBranch,
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_session_list
func (s *Server) sessionListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_session_list",
		mcp.WithDescription("List sessions across all state partitions, or a single partition. Returns a JSON array with id, state, owner, and timestamps."),
		mcp.WithString("state", mcp.Description("Filter by state partition (e.g. active, validating)")),
	)
	return tool, s.handleSessionList
}

func (s *Server) handleSessionList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := request.GetString("state", "")

	var (
		sessions []*models.Session
		err      error
	)
	if state != "" {
		sessions, err = s.sessions.List(state)
	} else {
		sessions, err = s.sessions.ListAll()
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID         string `json:"id"`
		State      string `json:"state"`
		Owner      string `json:"owner"`
		CreatedAt  string `json:"created_at"`
		LastActive string `json:"last_active"`
		Worktree   string `json:"worktree,omitempty"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:         sess.ID,
			State:      sess.State,
			Owner:      sess.Meta.Owner,
			CreatedAt:  sess.Meta.CreatedAt.Format(time.RFC3339),
			LastActive: sess.Meta.LastActive.Format(time.RFC3339),
		}
		if sess.HasWorktree() {
			out[i].Worktree = sess.Git.WorktreePath
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_session_transition
func (s *Server) sessionTransitionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_session_transition",
		mcp.WithDescription("Transition a session to a new state. The transition table and its guards decide whether the edge is allowed; a denied guard names the violated condition."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Target state")),
		mcp.WithString("reason", mcp.Description("Reason recorded in the state history")),
		mcp.WithString("task_id", mcp.Description("Task whose evidence approval guards the transition (required for edges guarded by evidence-approved)")),
	)
	return tool, s.handleSessionTransition
}

func (s *Server) handleSessionTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	to, err := request.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: to"), nil
	}

	gctx := lifecycle.GuardContext{
		TaskID:   request.GetString("task_id", ""),
		Evidence: s.rounds,
		Txns:     s.engine,
	}
	sess, err := s.sessions.Transition(ctx, id, to, request.GetString("reason", ""), gctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"id":    sess.ID,
		"state": sess.State,
	}
	if n := len(sess.StateHistory); n > 0 {
		result["transition"] = sess.StateHistory[n-1]
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_add_activity
func (s *Server) addActivityTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_add_activity",
		mcp.WithDescription("Append a note to the session activity log and bump its lastActive timestamp."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("note", mcp.Required(), mcp.Description("Activity note")),
	)
	return tool, s.handleAddActivity
}

func (s *Server) handleAddActivity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	note, err := request.RequireString("note")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: note"), nil
	}

	sess, err := s.sessions.AddActivity(ctx, id, note, time.Now().UTC())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"id":           sess.ID,
		"last_active":  sess.Meta.LastActive.Format(time.RFC3339),
		"activity_len": len(sess.ActivityLog),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_record_evidence
func (s *Server) recordEvidenceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_record_evidence",
		mcp.WithDescription("Publish evidence files for a task in one validation transaction: begin, stage every file, commit. Files only become visible under the evidence tree when the whole set commits. Returns the transaction id and the round written."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID holding the validation lock")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task the evidence belongs to")),
		mcp.WithString("files", mcp.Required(), mcp.Description(`JSON object mapping file names (relative to the round directory) to contents, e.g. {"validator-x-report.json": "{...}"}`)),
		mcp.WithNumber("round", mcp.Description("Round number to write into. Defaults to the next round; an existing round or latest+1 is accepted, anything else would leave a gap and is refused.")),
	)
	return tool, s.handleRecordEvidence
}

func (s *Server) handleRecordEvidence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	task, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	filesRaw, err := request.RequireString("files")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: files"), nil
	}

	var files map[string]string
	if err := json.Unmarshal([]byte(filesRaw), &files); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("files must be a JSON object of name to content: %v", err)), nil
	}
	if len(files) == 0 {
		return mcp.NewToolResultError("files must contain at least one entry"), nil
	}

	latest, _, err := s.rounds.FindLatest(task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	round := request.GetInt("round", latest+1)
	if round < 1 || round > latest+1 {
		return mcp.NewToolResultError(fmt.Sprintf("round %d would leave a gap (latest is round-%d)", round, latest)), nil
	}

	names := make([]string, 0, len(files))
	for name := range files {
		// Names are relative to the round directory and must stay inside
		// it; the transaction's own path check only guards the wave tree.
		clean := filepath.Clean(name)
		if name == "" || filepath.IsAbs(name) || clean == "." || clean == ".." ||
			strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return mcp.NewToolResultError(fmt.Sprintf("file name escapes the round directory: %q", name)), nil
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var txID string
	err = s.engine.RunInTransaction(ctx, sid, task, func(tx *txn.Tx) error {
		txID = tx.ID()
		for _, name := range names {
			if err := tx.Write(fmt.Sprintf("round-%d/%s", round, name), []byte(files[name])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"session_id": sid,
		"task":       task,
		"round":      round,
		"tx_id":      txID,
		"committed":  true,
		"files":      names,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_list_rounds
func (s *Server) listRoundsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_list_rounds",
		mcp.WithDescription("List a task's evidence rounds in numeric order with the files each round holds, plus whether the latest round carries the approval marker."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleListRounds
}

func (s *Server) handleListRounds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	list, err := s.rounds.List(task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	approved, err := s.rounds.HasApproval(task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	type roundOut struct {
		Round int      `json:"round"`
		Path  string   `json:"path"`
		Files []string `json:"files"`
	}

	out := make([]roundOut, len(list))
	for i, r := range list {
		out[i] = roundOut{Round: r.N, Path: r.Path, Files: []string{}}
		entries, err := os.ReadDir(r.Path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				out[i].Files = append(out[i].Files, e.Name())
			}
		}
	}

	result := map[string]any{
		"task":     task,
		"rounds":   out,
		"approved": approved,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal rounds: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_next_round
func (s *Server) nextRoundTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_next_round",
		mcp.WithDescription("Create the next evidence round directory for a task. Losing a creation race to another agent returns an error; retry to land on the round after theirs."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleNextRound
}

func (s *Server) handleNextRound(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	n, path, err := s.rounds.CreateNext(task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"task":  task,
		"round": n,
		"path":  path,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal round: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
