package tools

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arbiter-ai/arbiter/internal/model"
)

func learningTool() mcplib.Tool {
	return mcplib.NewTool("learning",
		mcplib.WithDescription("Inspect and operate the learning loop that calibrates scoring weights from feedback"),
		mcplib.WithString("action", mcplib.Description("Learning operation"), mcplib.Required(),
			mcplib.Enum("feedback", "calibrate", "biases", "state", "reset")),
		mcplib.WithString("judgment_id", mcplib.Description("Judgment being assessed, for action=feedback")),
		mcplib.WithString("outcome", mcplib.Description("Feedback outcome"),
			mcplib.Enum("correct", "incorrect", "partial")),
		mcplib.WithString("reason", mcplib.Description("Free-text explanation")),
		mcplib.WithNumber("actual_score", mcplib.Description("Observed ground-truth score in [0,100]")),
	)
}

type learningArgs struct {
	Action string `json:"action"`
}

func (r *Registry) handleLearning(ctx context.Context, args json.RawMessage) (any, error) {
	var in learningArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	switch in.Action {
	case "feedback":
		// Same semantics as the top-level feedback tool.
		return r.handleFeedback(ctx, args)

	case "calibrate":
		return r.deps.Learning.Calibrate(ctx)

	case "biases":
		biases := r.deps.Learning.DetectBiases()
		return map[string]any{"biases": biases, "count": len(biases)}, nil

	case "state":
		return r.deps.Learning.GetState(), nil

	case "reset":
		if err := r.requireOperator(ctx); err != nil {
			return nil, err
		}
		if err := r.deps.Learning.Reset(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"reset": true}, nil

	default:
		return nil, model.InvalidInput(fmt.Sprintf("unknown learning action %q", in.Action))
	}
}
