package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerType classifies when a trigger is considered for firing.
type TriggerType string

const (
	TriggerEvent     TriggerType = "event"     // fires on matching bus events
	TriggerPeriodic  TriggerType = "periodic"  // fires on a timer
	TriggerPattern   TriggerType = "pattern"   // fires when a payload field matches a pattern
	TriggerThreshold TriggerType = "threshold" // fires when a numeric payload field crosses a bound
	TriggerComposite TriggerType = "composite" // fires when all sub-conditions hold
)

// ActionType is what a trigger does when it fires.
type ActionType string

const (
	ActionJudge  ActionType = "judge"
	ActionLog    ActionType = "log"
	ActionAlert  ActionType = "alert"
	ActionBlock  ActionType = "block"
	ActionReview ActionType = "review"
	ActionNotify ActionType = "notify"
)

// Condition is the declarative, side-effect-free predicate a trigger
// evaluates against an event payload. Fields are used per trigger type:
// event uses Topic; pattern uses Field+Pattern; threshold uses Field+Op+Value;
// periodic uses IntervalMs; composite uses All.
type Condition struct {
	Topic      string      `json:"topic,omitempty"`
	Field      string      `json:"field,omitempty"`
	Op         string      `json:"op,omitempty"` // lt | lte | gt | gte | eq | neq
	Value      float64     `json:"value,omitempty"`
	Pattern    string      `json:"pattern,omitempty"` // substring match, case-insensitive
	IntervalMs int64       `json:"interval_ms,omitempty"`
	All        []Condition `json:"all,omitempty"`
}

// Trigger is a persistent rule binding an event predicate to an action.
// Mutable: triggers can be enabled, disabled, and deleted.
type Trigger struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Type         TriggerType    `json:"type"`
	Condition    Condition      `json:"condition"`
	Action       ActionType     `json:"action"`
	ActionConfig map[string]any `json:"action_config,omitempty"`
	Enabled      bool           `json:"enabled"`
	Priority     int            `json:"priority"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ValidateTrigger checks enum fields and required attributes.
func ValidateTrigger(t Trigger) error {
	if t.Name == "" {
		return InvalidInput("trigger name is required")
	}
	switch t.Type {
	case TriggerEvent, TriggerPeriodic, TriggerPattern, TriggerThreshold, TriggerComposite:
	default:
		return InvalidInput(fmt.Sprintf("unknown trigger type %q", t.Type))
	}
	switch t.Action {
	case ActionJudge, ActionLog, ActionAlert, ActionBlock, ActionReview, ActionNotify:
	default:
		return InvalidInput(fmt.Sprintf("unknown trigger action %q", t.Action))
	}
	if t.Type == TriggerPeriodic && t.Condition.IntervalMs <= 0 {
		return InvalidInput("periodic trigger requires a positive interval_ms")
	}
	if t.Type == TriggerThreshold && t.Condition.Field == "" {
		return InvalidInput("threshold trigger requires a condition field")
	}
	if t.Type == TriggerPattern && t.Condition.Pattern == "" {
		return InvalidInput("pattern trigger requires a condition pattern")
	}
	if t.Type == TriggerComposite && len(t.Condition.All) == 0 {
		return InvalidInput("composite trigger requires at least one sub-condition")
	}
	return nil
}
