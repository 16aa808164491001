// Package trigger runs persisted rules against bus events and timers and
// invokes their actions. Conditions are pure functions of the event
// payload; actions may publish further events or call back into the
// judgment pipeline.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/judge"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/pipeline"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

// periodicResolution bounds how often periodic triggers are polled.
const periodicResolution = time.Second

// provenanceCap bounds the judgment-provenance map used for loop
// prevention.
const provenanceCap = 1024

// Judger is the slice of the judgment pipeline the engine needs.
type Judger interface {
	Judge(ctx context.Context, item model.Item, jctx judge.Context, caller pipeline.Caller) (pipeline.Result, error)
}

// ActionFunc handles one fired trigger. The engine provides defaults for
// every action type; callers may override notify/block/review with real
// capabilities.
type ActionFunc func(ctx context.Context, t model.Trigger, ev bus.Event) error

// Options configures the engine.
type Options struct {
	Judger  Judger
	Actions map[model.ActionType]ActionFunc
	Logger  *slog.Logger
}

// Engine matches events against the persisted trigger set.
type Engine struct {
	store   storage.Store
	bus     *bus.Bus
	judger  Judger
	actions map[model.ActionType]ActionFunc
	logger  *slog.Logger

	mu        sync.RWMutex
	triggers  []model.Trigger
	lastFired map[uuid.UUID]time.Time

	// provenance maps a judgment ID to the trigger IDs already visited on
	// the causal path that produced it, so a trigger never re-fires on its
	// own output.
	provMu     sync.Mutex
	provenance map[uuid.UUID]map[uuid.UUID]bool
	provOrder  []uuid.UUID
}

// New creates an engine. Call Load to read persisted triggers and Run to
// start consuming events.
func New(store storage.Store, eventBus *bus.Bus, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		bus:        eventBus,
		judger:     opts.Judger,
		logger:     opts.Logger,
		lastFired:  make(map[uuid.UUID]time.Time),
		provenance: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
	e.actions = map[model.ActionType]ActionFunc{
		model.ActionJudge:  e.actJudge,
		model.ActionLog:    e.actLog,
		model.ActionAlert:  e.actAlert,
		model.ActionBlock:  e.actNotifyLike("block"),
		model.ActionReview: e.actNotifyLike("review"),
		model.ActionNotify: e.actNotifyLike("notify"),
	}
	for kind, fn := range opts.Actions {
		e.actions[kind] = fn
	}
	return e
}

// Load reads the persisted trigger set into the in-memory cache.
func (e *Engine) Load(ctx context.Context) error {
	triggers, err := e.store.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load: %w", err)
	}
	e.mu.Lock()
	e.triggers = triggers
	e.mu.Unlock()
	e.logger.Info("triggers loaded", "count", len(triggers))
	return nil
}

// Run consumes bus events and drives periodic triggers until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	sub := e.bus.Subscribe(bus.TopicJudgment, bus.TopicBlock, bus.TopicAlert, bus.TopicPattern)
	defer sub.Close()

	ticker := time.NewTicker(periodicResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			e.HandleEvent(ctx, ev)
		case now := <-ticker.C:
			e.firePeriodic(ctx, now)
		}
	}
}

// HandleEvent evaluates all enabled triggers against one event.
func (e *Engine) HandleEvent(ctx context.Context, ev bus.Event) {
	visited := e.visitedFor(ev)

	e.mu.RLock()
	candidates := make([]model.Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		if !t.Enabled || t.Type == model.TriggerPeriodic {
			continue
		}
		if visited[t.ID] {
			continue
		}
		if e.matches(t, ev) {
			candidates = append(candidates, t)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Priority > candidates[b].Priority
	})

	for _, t := range candidates {
		e.fire(ctx, t, ev, visited)
	}
}

// visitedFor recovers the visited set carried by the judgment that this
// event reports, if the engine produced it.
func (e *Engine) visitedFor(ev bus.Event) map[uuid.UUID]bool {
	visited := map[uuid.UUID]bool{}
	if ev.Topic != bus.TopicJudgment {
		return visited
	}
	raw, _ := ev.Payload["id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return visited
	}

	e.provMu.Lock()
	defer e.provMu.Unlock()
	for tid := range e.provenance[id] {
		visited[tid] = true
	}
	return visited
}

func (e *Engine) recordProvenance(judgmentID uuid.UUID, visited map[uuid.UUID]bool, firing uuid.UUID) {
	e.provMu.Lock()
	defer e.provMu.Unlock()

	set := make(map[uuid.UUID]bool, len(visited)+1)
	for id := range visited {
		set[id] = true
	}
	set[firing] = true
	e.provenance[judgmentID] = set
	e.provOrder = append(e.provOrder, judgmentID)
	for len(e.provOrder) > provenanceCap {
		delete(e.provenance, e.provOrder[0])
		e.provOrder = e.provOrder[1:]
	}
}

func (e *Engine) matches(t model.Trigger, ev bus.Event) bool {
	return evalCondition(t.Type, t.Condition, ev)
}

func evalCondition(ttype model.TriggerType, c model.Condition, ev bus.Event) bool {
	switch ttype {
	case model.TriggerEvent:
		return c.Topic == "" || c.Topic == ev.Topic
	case model.TriggerPattern:
		if c.Topic != "" && c.Topic != ev.Topic {
			return false
		}
		val, ok := payloadString(ev.Payload, c.Field)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(val), strings.ToLower(c.Pattern))
	case model.TriggerThreshold:
		if c.Topic != "" && c.Topic != ev.Topic {
			return false
		}
		val, ok := payloadNumber(ev.Payload, c.Field)
		if !ok {
			return false
		}
		return compareOp(c.Op, val, c.Value)
	case model.TriggerComposite:
		for _, sub := range c.All {
			if !evalCondition(subConditionType(sub), sub, ev) {
				return false
			}
		}
		return len(c.All) > 0
	default:
		return false
	}
}

// subConditionType infers how to evaluate a composite leaf from the
// fields it populates.
func subConditionType(c model.Condition) model.TriggerType {
	switch {
	case c.Pattern != "":
		return model.TriggerPattern
	case c.Op != "":
		return model.TriggerThreshold
	default:
		return model.TriggerEvent
	}
}

func compareOp(op string, val, bound float64) bool {
	switch op {
	case "lt":
		return val < bound
	case "lte":
		return val <= bound
	case "gt":
		return val > bound
	case "gte":
		return val >= bound
	case "eq":
		return val == bound
	case "neq":
		return val != bound
	default:
		return false
	}
}

func payloadNumber(payload map[string]any, field string) (float64, bool) {
	switch v := payload[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func payloadString(payload map[string]any, field string) (string, bool) {
	switch v := payload[field].(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

func (e *Engine) firePeriodic(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var due []model.Trigger
	for _, t := range e.triggers {
		if !t.Enabled || t.Type != model.TriggerPeriodic {
			continue
		}
		interval := time.Duration(t.Condition.IntervalMs) * time.Millisecond
		if interval <= 0 {
			continue
		}
		last, ok := e.lastFired[t.ID]
		if !ok {
			// First tick after load: arm without firing.
			e.lastFired[t.ID] = now
			continue
		}
		if now.Sub(last) >= interval {
			e.lastFired[t.ID] = now
			due = append(due, t)
		}
	}
	e.mu.Unlock()

	sort.SliceStable(due, func(a, b int) bool { return due[a].Priority > due[b].Priority })
	for _, t := range due {
		ev := bus.Event{Topic: "periodic", Payload: map[string]any{"trigger": t.Name}, At: now}
		e.fire(ctx, t, ev, map[uuid.UUID]bool{})
	}
}

// fire runs one trigger's action. Failures are logged and surfaced as
// alert events; they never propagate.
func (e *Engine) fire(ctx context.Context, t model.Trigger, ev bus.Event, visited map[uuid.UUID]bool) {
	fn, ok := e.actions[t.Action]
	if !ok {
		e.logger.Warn("trigger has unknown action", "trigger", t.Name, "action", t.Action)
		return
	}
	e.logger.Debug("trigger fired", "trigger", t.Name, "action", t.Action, "topic", ev.Topic)

	// Stash the visited set where actJudge can extend it.
	ctx = context.WithValue(ctx, visitedKey{}, withVisited{set: visited, firing: t.ID})

	if err := fn(ctx, t, ev); err != nil {
		e.logger.Error("trigger action failed", "trigger", t.Name, "error", err)
		e.bus.Publish(bus.TopicAlert, map[string]any{
			"kind":    "trigger-action-failed",
			"trigger": t.Name,
			"action":  string(t.Action),
			"error":   err.Error(),
		})
	}
}

type visitedKey struct{}

type withVisited struct {
	set    map[uuid.UUID]bool
	firing uuid.UUID
}

func (e *Engine) actJudge(ctx context.Context, t model.Trigger, ev bus.Event) error {
	if e.judger == nil {
		return errors.New("judge action requires a pipeline")
	}

	item := itemFromEvent(t, ev)
	res, err := e.judger.Judge(ctx, item, judge.Context{}, pipeline.Caller{})
	if err != nil {
		return fmt.Errorf("judge action: %w", err)
	}

	if wv, ok := ctx.Value(visitedKey{}).(withVisited); ok {
		e.recordProvenance(res.ID, wv.set, wv.firing)
	}
	return nil
}

// itemFromEvent builds the judge input. actionConfig may name the payload
// field to use as content and override the item type; otherwise the whole
// payload is serialized.
func itemFromEvent(t model.Trigger, ev bus.Event) model.Item {
	itemType := "event:" + ev.Topic
	if v, ok := t.ActionConfig["item_type"].(string); ok && v != "" {
		itemType = v
	}

	var content string
	if field, ok := t.ActionConfig["content_field"].(string); ok && field != "" {
		if v, ok := payloadString(ev.Payload, field); ok {
			content = v
		}
	}
	if content == "" {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			raw = []byte("{}")
		}
		content = string(raw)
	}
	return model.Item{Type: itemType, Content: content}
}

func (e *Engine) actLog(_ context.Context, t model.Trigger, ev bus.Event) error {
	e.logger.Info("trigger log action",
		"trigger", t.Name, "topic", ev.Topic, "payload", ev.Payload)
	return nil
}

func (e *Engine) actAlert(_ context.Context, t model.Trigger, ev bus.Event) error {
	e.bus.Publish(bus.TopicAlert, map[string]any{
		"kind":    "trigger-alert",
		"trigger": t.Name,
		"topic":   ev.Topic,
		"payload": ev.Payload,
	})
	return nil
}

// actNotifyLike covers block/review/notify when no real capability is
// wired: announce on the alert topic and log.
func (e *Engine) actNotifyLike(kind string) ActionFunc {
	return func(_ context.Context, t model.Trigger, ev bus.Event) error {
		e.logger.Info("trigger "+kind+" action", "trigger", t.Name, "topic", ev.Topic)
		e.bus.Publish(bus.TopicAlert, map[string]any{
			"kind":    "trigger-" + kind,
			"trigger": t.Name,
			"topic":   ev.Topic,
		})
		return nil
	}
}

// Upsert validates, persists, and caches a trigger.
func (e *Engine) Upsert(ctx context.Context, t model.Trigger) (model.Trigger, error) {
	if err := model.ValidateTrigger(t); err != nil {
		return model.Trigger{}, err
	}
	stored, err := e.store.UpsertTrigger(ctx, t)
	if err != nil {
		return model.Trigger{}, model.StorageError("failed to persist trigger", err)
	}
	if err := e.Load(ctx); err != nil {
		return model.Trigger{}, err
	}
	return stored, nil
}

// Delete removes a trigger from storage and the cache.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	if err := e.store.DeleteTrigger(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.NotFound(fmt.Sprintf("trigger %s not found", id))
		}
		return model.StorageError("failed to delete trigger", err)
	}
	return e.Load(ctx)
}

// SetEnabled toggles a trigger in storage and the cache.
func (e *Engine) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	if err := e.store.SetTriggerEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.NotFound(fmt.Sprintf("trigger %s not found", id))
		}
		return model.StorageError("failed to toggle trigger", err)
	}
	return e.Load(ctx)
}

// List returns the cached trigger set, priority-descending.
func (e *Engine) List() []model.Trigger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Trigger, len(e.triggers))
	copy(out, e.triggers)
	return out
}
