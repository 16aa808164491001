package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/model"
)

func triggerTool() mcplib.Tool {
	return mcplib.NewTool("trigger",
		mcplib.WithDescription("Manage event triggers: persistent rules binding event conditions to actions"),
		mcplib.WithString("action", mcplib.Description("Trigger operation"), mcplib.Required(),
			mcplib.Enum("register", "unregister", "list", "enable", "disable", "process")),
		mcplib.WithObject("trigger",
			mcplib.Description("Trigger definition, for action=register"),
			mcplib.Properties(map[string]any{
				"name":          map[string]any{"type": "string"},
				"type":          map[string]any{"type": "string", "enum": []string{"event", "periodic", "pattern", "threshold", "composite"}},
				"condition":     map[string]any{"type": "object"},
				"action":        map[string]any{"type": "string", "enum": []string{"judge", "log", "alert", "block", "review", "notify"}},
				"action_config": map[string]any{"type": "object"},
				"priority":      map[string]any{"type": "integer"},
				"enabled":       map[string]any{"type": "boolean"},
			}),
		),
		mcplib.WithString("id", mcplib.Description("Trigger ID, for unregister/enable/disable")),
		mcplib.WithObject("event",
			mcplib.Description("Synthetic event to evaluate, for action=process"),
			mcplib.Properties(map[string]any{
				"topic":   map[string]any{"type": "string"},
				"payload": map[string]any{"type": "object"},
			}),
		),
	)
}

type triggerArgs struct {
	Action  string         `json:"action"`
	Trigger *model.Trigger `json:"trigger"`
	ID      string         `json:"id"`
	Event   *struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	} `json:"event"`
}

func (r *Registry) handleTrigger(ctx context.Context, args json.RawMessage) (any, error) {
	var in triggerArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	switch in.Action {
	case "register":
		if in.Trigger == nil {
			return nil, model.InvalidInput("action register requires a trigger")
		}
		return r.deps.Triggers.Upsert(ctx, *in.Trigger)

	case "unregister":
		id, err := parseTriggerID(in.ID)
		if err != nil {
			return nil, err
		}
		if err := r.deps.Triggers.Delete(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil

	case "list":
		list := r.deps.Triggers.List()
		return map[string]any{"triggers": list, "count": len(list)}, nil

	case "enable", "disable":
		id, err := parseTriggerID(in.ID)
		if err != nil {
			return nil, err
		}
		enabled := in.Action == "enable"
		if err := r.deps.Triggers.SetEnabled(ctx, id, enabled); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "enabled": enabled}, nil

	case "process":
		if in.Event == nil || in.Event.Topic == "" {
			return nil, model.InvalidInput("action process requires an event with a topic")
		}
		r.deps.Triggers.HandleEvent(ctx, bus.Event{
			Topic:   in.Event.Topic,
			Payload: in.Event.Payload,
			At:      time.Now().UTC(),
		})
		return map[string]any{"processed": true}, nil

	default:
		return nil, model.InvalidInput(fmt.Sprintf("unknown trigger action %q", in.Action))
	}
}

func parseTriggerID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, model.InvalidInput("trigger id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, model.InvalidInput("trigger id must be a UUID")
	}
	return id, nil
}
