// Package tools is the operation registry: every capability the server
// exposes is a named tool with a JSON schema, dispatched identically from
// the REST surface (POST /api/tools/<name>) and the MCP transport.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arbiter-ai/arbiter/internal/auth"
	"github.com/arbiter-ai/arbiter/internal/chain"
	"github.com/arbiter-ai/arbiter/internal/digest"
	"github.com/arbiter-ai/arbiter/internal/judge"
	"github.com/arbiter-ai/arbiter/internal/learning"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/pipeline"
	"github.com/arbiter-ai/arbiter/internal/search"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/trigger"
)

// HandlerFunc executes one tool call. args is the raw JSON body of the
// request (or the MCP arguments object).
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs an MCP tool definition with its handler. The definition's
// input schema doubles as the GET /api/tools schema.
type Tool struct {
	Def     mcplib.Tool
	Handler HandlerFunc
}

// Deps holds the services the registry dispatches to. Chain, Search, and
// Auth are nil-safe: their tools report Unavailable or run open.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Digester *digest.Digester
	Search   *search.Service
	Learning *learning.Loop
	Triggers *trigger.Engine
	Chain    *chain.Manager
	Store    storage.Store
	Auth     *auth.Authenticator
	Logger   *slog.Logger
}

// Registry maps tool names to handlers.
type Registry struct {
	deps   Deps
	logger *slog.Logger
	tools  []Tool
	byName map[string]Tool
}

// New builds the registry with all core operations registered.
func New(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{
		deps:   deps,
		logger: deps.Logger,
		byName: make(map[string]Tool),
	}
	r.register(judgeTool(), r.handleJudge)
	r.register(digestTool(), r.handleDigest)
	r.register(searchTool(), r.handleSearch)
	r.register(feedbackTool(), r.handleFeedback)
	r.register(chainTool(), r.handleChain)
	r.register(triggerTool(), r.handleTrigger)
	r.register(learningTool(), r.handleLearning)
	return r
}

func (r *Registry) register(def mcplib.Tool, h HandlerFunc) {
	t := Tool{Def: def, Handler: h}
	r.tools = append(r.tools, t)
	r.byName[def.Name] = t
}

// List describes every registered tool for GET /api/tools.
func (r *Registry) List() []model.ToolInfo {
	out := make([]model.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, model.ToolInfo{
			Name:        t.Def.Name,
			Description: t.Def.Description,
			InputSchema: t.Def.InputSchema,
		})
	}
	return out
}

// Tools returns the registered tools for MCP registration.
func (r *Registry) Tools() []Tool { return r.tools }

// Call dispatches one tool invocation by name.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, model.NotFound(fmt.Sprintf("unknown tool %q", name))
	}
	result, err := t.Handler(ctx, args)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, model.Cancelled("operation aborted")
		}
		return nil, err
	}
	return result, nil
}

// decodeArgs unmarshals the argument payload, tolerating an empty body.
func decodeArgs(args json.RawMessage, target any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, target); err != nil {
		return model.InvalidInput(fmt.Sprintf("malformed arguments: %v", err))
	}
	return nil
}

// requireOperator gates destructive actions behind the operator claim
// when authentication is enabled. In open mode everything is permitted.
func (r *Registry) requireOperator(ctx context.Context) error {
	if r.deps.Auth == nil || !r.deps.Auth.Enabled() {
		return nil
	}
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil || !claims.Operator {
		return model.Unauthorized("operator token required")
	}
	return nil
}

// callerFromContext extracts the caller attribution set by the auth
// middleware, if any.
func callerFromContext(ctx context.Context) pipeline.Caller {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return pipeline.Caller{}
	}
	var c pipeline.Caller
	if claims.UserID != "" {
		uid := claims.UserID
		c.UserID = &uid
	}
	if claims.SessionID != "" {
		sid := claims.SessionID
		c.SessionID = &sid
	}
	return c
}

func judgeTool() mcplib.Tool {
	return mcplib.NewTool("judge",
		mcplib.WithDescription("Evaluate an item against the fixed 25-dimension rubric and commit the judgment to the audit chain"),
		mcplib.WithObject("item",
			mcplib.Description("The item to evaluate"),
			mcplib.Required(),
			mcplib.Properties(map[string]any{
				"type":     map[string]any{"type": "string", "description": "Item category, e.g. note, claim, plan"},
				"content":  map[string]any{"type": "string", "description": "Free-text content under evaluation"},
				"sources":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"verified": map[string]any{"type": "boolean"},
			}),
		),
		mcplib.WithObject("context",
			mcplib.Description("Optional scoring context"),
			mcplib.Properties(map[string]any{
				"k_score": map[string]any{"type": "number", "description": "Knowledge-base prior in [0,1]"},
			}),
		),
	)
}

type judgeArgs struct {
	Item    model.Item `json:"item"`
	Context *struct {
		KScore *float64 `json:"k_score"`
	} `json:"context"`
}

func (r *Registry) handleJudge(ctx context.Context, args json.RawMessage) (any, error) {
	var in judgeArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	jctx := judge.Context{}
	if in.Context != nil {
		jctx.KScore = in.Context.KScore
	}
	return r.deps.Pipeline.Judge(ctx, in.Item, jctx, callerFromContext(ctx))
}

func digestTool() mcplib.Tool {
	return mcplib.NewTool("digest",
		mcplib.WithDescription("Extract patterns, insights, and statistics from raw content and append them to the knowledge base"),
		mcplib.WithString("content", mcplib.Description("Raw text to digest"), mcplib.Required()),
		mcplib.WithString("source", mcplib.Description("Where the content came from")),
		mcplib.WithString("type", mcplib.Description("Content type label, default text")),
	)
}

func (r *Registry) handleDigest(ctx context.Context, args json.RawMessage) (any, error) {
	var in digest.Request
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return r.deps.Digester.Digest(ctx, in)
}

func searchTool() mcplib.Tool {
	return mcplib.NewTool("search",
		mcplib.WithDescription("Search judgments and knowledge by semantic similarity, falling back to full-text search"),
		mcplib.WithString("query", mcplib.Description("Natural language search query"), mcplib.Required()),
		mcplib.WithString("type", mcplib.Description("Restrict to one kind"), mcplib.Enum("judgments", "knowledge")),
		mcplib.WithNumber("limit", mcplib.Description("Maximum results, default 10, cap 100")),
	)
}

func (r *Registry) handleSearch(ctx context.Context, args json.RawMessage) (any, error) {
	var in search.Request
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return r.deps.Search.Search(ctx, in)
}

func feedbackTool() mcplib.Tool {
	return mcplib.NewTool("feedback",
		mcplib.WithDescription("Record how a judgment held up against reality; feeds the learning loop"),
		mcplib.WithString("judgment_id", mcplib.Description("ID of the judgment being assessed"), mcplib.Required()),
		mcplib.WithString("outcome", mcplib.Description("How the judgment held up"), mcplib.Required(),
			mcplib.Enum("correct", "incorrect", "partial")),
		mcplib.WithString("reason", mcplib.Description("Free-text explanation")),
		mcplib.WithNumber("actual_score", mcplib.Description("Observed ground-truth score in [0,100]")),
	)
}

type feedbackArgs struct {
	JudgmentID  string  `json:"judgment_id"`
	Outcome     string  `json:"outcome"`
	Reason      *string `json:"reason"`
	ActualScore *int    `json:"actual_score"`
}

func (r *Registry) handleFeedback(ctx context.Context, args json.RawMessage) (any, error) {
	var in feedbackArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(in.JudgmentID)
	if err != nil {
		return nil, model.InvalidInput("judgment_id must be a UUID")
	}
	f := model.Feedback{
		JudgmentID:  id,
		Outcome:     model.FeedbackOutcome(in.Outcome),
		Reason:      in.Reason,
		ActualScore: in.ActualScore,
	}
	if claims := auth.ClaimsFromContext(ctx); claims != nil {
		if claims.UserID != "" {
			uid := claims.UserID
			f.UserID = &uid
		}
		if claims.SessionID != "" {
			sid := claims.SessionID
			f.SessionID = &sid
		}
	}
	res, err := r.deps.Learning.ProcessFeedback(ctx, f)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"id":         res.Feedback.ID,
		"backlog":    res.Backlog,
		"calibrated": res.Calibrated,
	}
	if res.Calibration != nil && len(res.Calibration.Delta) > 0 {
		out["learning_delta"] = res.Calibration.Delta
	}
	return out, nil
}
