// Package agent runs single conversational turns: it resolves the session,
// obtains compute through the sandbox correlation layer, replays the
// conversation into the agent runtime inside the sandbox and writes the
// outcome back through the session manager.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sessiond/internal/logging"
	"sessiond/internal/models"
	"sessiond/internal/sandbox"
	"sessiond/internal/session"
)

// TurnRequest asks for one agent turn. An empty SessionID means
// create-new.
type TurnRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt"`
}

// TurnResponse reports the turn outcome.
type TurnResponse struct {
	SessionID string         `json:"session_id"`
	Result    string         `json:"result"`
	Metadata  map[string]any `json:"updated_metadata"`
}

// Runner executes turns against a session manager and a sandbox
// correlator.
type Runner struct {
	manager    *session.Manager
	correlator sandbox.Correlator
	client     *sandbox.Client
	timeout    time.Duration
}

// NewRunner wires a turn runner. timeout bounds the in-sandbox execution
// of a single turn.
func NewRunner(manager *session.Manager, correlator sandbox.Correlator, client *sandbox.Client, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{
		manager:    manager,
		correlator: correlator,
		client:     client,
		timeout:    timeout,
	}
}

// RunTurn performs one agent turn: create-or-resume the session, record
// the user message, execute in a sandbox with the full history re-injected
// as context, record the assistant reply and accumulate usage figures into
// the session metadata.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	sess, err := r.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := logging.WithSession(sess.ID, sess.TenantID)

	sess, err = r.manager.AddMessage(ctx, sess.ID, sess.TenantID,
		models.NewTextMessage(models.RoleUser, req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	handle, err := r.correlator.Acquire(ctx, sess.TenantID, sess.ID, sess.Metadata)
	if err != nil {
		r.recordError(ctx, sess, err)
		return nil, fmt.Errorf("acquire compute: %w", err)
	}
	if len(handle.MetadataUpdates) > 0 {
		if sess, err = r.manager.UpdateMetadata(ctx, sess.ID, sess.TenantID, handle.MetadataUpdates); err != nil {
			return nil, fmt.Errorf("persist compute reference: %w", err)
		}
	}
	defer r.release(logger, handle)

	exec, err := r.client.Execute(ctx, handle.SandboxID, sandbox.ExecuteRequest{
		Code:    buildTurnProgram(sess.History),
		Timeout: int(r.timeout / time.Second),
	})
	if err != nil {
		r.recordError(ctx, sess, err)
		return nil, fmt.Errorf("execute turn: %w", err)
	}
	if !exec.Success {
		msg := "sandbox execution failed"
		if exec.Error != nil {
			msg = *exec.Error
		}
		r.recordError(ctx, sess, fmt.Errorf("%s", msg))
		return nil, fmt.Errorf("execute turn: %s", msg)
	}

	result := exec.Result
	if result == "" {
		result = strings.TrimSpace(exec.Stdout)
	}

	sess, err = r.manager.AddMessage(ctx, sess.ID, sess.TenantID,
		models.NewTextMessage(models.RoleAssistant, result))
	if err != nil {
		return nil, fmt.Errorf("record assistant message: %w", err)
	}

	if updates := usageUpdates(sess.Metadata, exec.Usage); len(updates) > 0 {
		if sess, err = r.manager.UpdateMetadata(ctx, sess.ID, sess.TenantID, updates); err != nil {
			return nil, fmt.Errorf("accumulate usage: %w", err)
		}
	}

	return &TurnResponse{
		SessionID: sess.ID,
		Result:    result,
		Metadata:  models.CloneMetadata(sess.Metadata),
	}, nil
}

func (r *Runner) resolveSession(ctx context.Context, req TurnRequest) (*models.Session, error) {
	if req.SessionID == "" {
		sess, err := r.manager.Create(ctx, req.TenantID, nil)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return sess, nil
	}
	sess, err := r.manager.Resume(ctx, req.SessionID, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	return sess, nil
}

func (r *Runner) release(logger *slog.Logger, handle *Handle) {
	// Release gets its own deadline: the turn's context may already be
	// done, and a leaked sandbox is worse than a late release.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.correlator.Release(ctx, handle); err != nil {
		logger.Warn("failed to release sandbox", "sandbox_id", handle.SandboxID, "error", err)
		return
	}
	if len(handle.MetadataUpdates) > 0 {
		if _, err := r.manager.UpdateMetadata(ctx, handle.SessionID, handle.TenantID, handle.MetadataUpdates); err != nil {
			logger.Warn("failed to persist sandbox state", "error", err)
		}
	}
}

func (r *Runner) recordError(ctx context.Context, sess *models.Session, cause error) {
	if _, err := r.manager.UpdateMetadata(ctx, sess.ID, sess.TenantID, map[string]any{
		models.MetaLastError: cause.Error(),
	}); err != nil {
		logging.WithSession(sess.ID, sess.TenantID).Warn("failed to record error", "error", err)
	}
}

// Handle aliases the sandbox handle for the release helper signature.
type Handle = sandbox.Handle

// usageUpdates accumulates execution usage onto the running totals already
// in the metadata. Totals read back from storage arrive as float64.
func usageUpdates(meta map[string]any, usage *sandbox.Usage) map[string]any {
	if usage == nil {
		return nil
	}
	return map[string]any{
		models.MetaInputTokens:  metaNumber(meta, models.MetaInputTokens) + float64(usage.InputTokens),
		models.MetaOutputTokens: metaNumber(meta, models.MetaOutputTokens) + float64(usage.OutputTokens),
		models.MetaCostUSD:      metaNumber(meta, models.MetaCostUSD) + usage.CostUSD,
	}
}

func metaNumber(meta map[string]any, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// buildTurnProgram generates the program that runs inside the sandbox: it
// replays the conversation so far as context and streams the new prompt
// through the agent SDK, printing the final result to stdout.
func buildTurnProgram(history []models.Message) string {
	transcript := make([]map[string]string, 0, len(history))
	for _, msg := range history {
		transcript = append(transcript, map[string]string{
			"role": string(msg.Role),
			"text": msg.Text(),
		})
	}
	payload, _ := json.Marshal(transcript)
	quoted, _ := json.Marshal(string(payload))

	var b strings.Builder
	b.WriteString("import asyncio\n")
	b.WriteString("import json\n")
	b.WriteString("from claude_agent_sdk import query\n\n")
	b.WriteString("TRANSCRIPT = json.loads(" + string(quoted) + ")\n\n")
	b.WriteString(`def build_prompt():
    lines = []
    for turn in TRANSCRIPT[:-1]:
        lines.append(f"{turn['role']}: {turn['text']}")
    if lines:
        lines.insert(0, "Prior conversation:")
    lines.append(TRANSCRIPT[-1]["text"])
    return "\n".join(lines)

async def main():
    result = None
    async for msg in query(prompt=build_prompt()):
        if hasattr(msg, "result"):
            result = msg.result
    if result:
        print(result)

asyncio.run(main())
`)
	return b.String()
}
