package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

func chainTool() mcplib.Tool {
	return mcplib.NewTool("chain",
		mcplib.WithDescription("Inspect and operate the proof-of-judgment chain"),
		mcplib.WithString("action", mcplib.Description("Chain operation"), mcplib.Required(),
			mcplib.Enum("status", "verify", "head", "block", "recent", "export",
				"flush", "relink", "adopt", "reset")),
		mcplib.WithNumber("slot", mcplib.Description("Block slot, for action=block")),
		mcplib.WithNumber("from_slot", mcplib.Description("Starting slot for verify/export, default 0")),
		mcplib.WithNumber("limit", mcplib.Description("Result cap for action=recent, default 10")),
		mcplib.WithString("confirm", mcplib.Description("Confirmation token required by action=reset")),
	)
}

type chainArgs struct {
	Action   string `json:"action"`
	Slot     *int64 `json:"slot"`
	FromSlot int64  `json:"from_slot"`
	Limit    int    `json:"limit"`
	Confirm  string `json:"confirm"`
}

func (r *Registry) handleChain(ctx context.Context, args json.RawMessage) (any, error) {
	var in chainArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if r.deps.Chain == nil {
		return nil, model.Unavailable("chain is not configured")
	}

	switch in.Action {
	case "status":
		return r.deps.Chain.Status(), nil

	case "verify":
		return r.deps.Chain.VerifyIntegrity(ctx, in.FromSlot)

	case "head":
		head, err := r.deps.Store.GetHeadBlock(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, model.NotFound("chain is empty")
			}
			return nil, model.StorageError("failed to load head block", err)
		}
		return head, nil

	case "block":
		if in.Slot == nil {
			return nil, model.InvalidInput("action block requires a slot")
		}
		b, err := r.deps.Store.GetBlockBySlot(ctx, *in.Slot)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, model.NotFound(fmt.Sprintf("no block at slot %d", *in.Slot))
			}
			return nil, model.StorageError("failed to load block", err)
		}
		return b, nil

	case "recent":
		limit := in.Limit
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		blocks, err := r.deps.Store.GetRecentBlocks(ctx, limit)
		if err != nil {
			return nil, model.StorageError("failed to load recent blocks", err)
		}
		return map[string]any{"blocks": blocks, "count": len(blocks)}, nil

	case "export":
		return r.exportChain(ctx, in.FromSlot)

	case "flush":
		b, err := r.deps.Chain.Flush(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"block": b}, nil

	case "relink":
		return r.deps.Chain.RelinkOrphanedJudgments(ctx)

	case "adopt":
		b, err := r.deps.Chain.AdoptOrphanedJudgments(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"block": b}, nil

	case "reset":
		if err := r.requireOperator(ctx); err != nil {
			return nil, err
		}
		if err := r.deps.Chain.ResetAll(ctx, in.Confirm); err != nil {
			if errors.Is(err, storage.ErrBadResetToken) {
				return nil, model.InvalidInput("reset requires the exact confirmation token")
			}
			return nil, err
		}
		r.logger.Warn("chain reset executed, all persisted data destroyed")
		return map[string]any{"reset": true}, nil

	default:
		return nil, model.InvalidInput(fmt.Sprintf("unknown chain action %q", in.Action))
	}
}

// exportChain walks every block from fromSlot to head in slot order. The
// chain is contiguous by construction; a missing slot means corruption
// and aborts the export.
func (r *Registry) exportChain(ctx context.Context, fromSlot int64) (any, error) {
	head, err := r.deps.Store.GetHeadBlock(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return map[string]any{"blocks": []model.Block{}, "count": 0}, nil
		}
		return nil, model.StorageError("failed to load head block", err)
	}
	if fromSlot < 0 {
		fromSlot = 0
	}

	blocks := make([]model.Block, 0, head.Slot-fromSlot+1)
	for slot := fromSlot; slot <= head.Slot; slot++ {
		b, err := r.deps.Store.GetBlockBySlot(ctx, slot)
		if err != nil {
			return nil, model.StorageError(fmt.Sprintf("export aborted at slot %d", slot), err)
		}
		blocks = append(blocks, b)
	}
	return map[string]any{
		"blocks":    blocks,
		"count":     len(blocks),
		"head_slot": head.Slot,
	}, nil
}
