package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hireloop/hireloop/internal/expressions"
	"github.com/hireloop/hireloop/pkg/schema"
)

// Message is one outbound notification. Rendering and delivery are external;
// the agent only assembles the payload.
type Message struct {
	IdempotencyKey string         `json:"idempotency_key"`
	To             string         `json:"to"`
	Template       string         `json:"template"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Mailer delivers a message. Implementations must treat a repeated
// IdempotencyKey as an overwrite of the same logical send, not a new one.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type notifyParams struct {
	Template string            `json:"template"`
	ToExpr   string            `json:"to,omitempty"`     // jq expression over the context
	Fields   map[string]string `json:"fields,omitempty"` // field name -> jq projection
}

// NotifyAgent projects context fields into a notification and hands it to the
// mailer. Retries of the same stage reuse one idempotency key derived from
// (workflow id, stage, logical attempt 0), so a retry after a transient send
// failure never duplicates an email.
type NotifyAgent struct {
	mailer Mailer
	jq     *expressions.GoJQEngine
}

// NewNotifyAgent creates a NotifyAgent.
func NewNotifyAgent(mailer Mailer) *NotifyAgent {
	return &NotifyAgent{
		mailer: mailer,
		jq:     expressions.NewGoJQEngine(),
	}
}

func (a *NotifyAgent) Name() string { return "notify" }

func (a *NotifyAgent) Execute(ctx context.Context, in ExecInput) (schema.AgentResult, error) {
	var params notifyParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return schema.Fatal("invalid notify params: " + err.Error()), nil
		}
	}
	if params.Template == "" {
		return schema.Fatal("notify stage requires a template"), nil
	}

	to := in.CandidateID
	if params.ToExpr != "" {
		out, err := a.jq.Evaluate(ctx, params.ToExpr, in.Context)
		if err != nil {
			return schema.Fatal("notify to projection: " + err.Error()), nil
		}
		if s, ok := out.(string); ok && s != "" {
			to = s
		}
	}

	fields := make(map[string]any, len(params.Fields))
	for name, expr := range params.Fields {
		out, err := a.jq.Evaluate(ctx, expr, in.Context)
		if err != nil {
			return schema.Fatal(fmt.Sprintf("notify field %q projection: %s", name, err.Error())), nil
		}
		fields[name] = out
	}

	msg := Message{
		IdempotencyKey: fmt.Sprintf("%s:%s:0", in.WorkflowID, in.Stage),
		To:             to,
		Template:       params.Template,
		Fields:         fields,
	}
	if err := a.mailer.Send(ctx, msg); err != nil {
		return schema.AgentResult{}, err
	}

	return schema.Success(map[string]any{
		"notification": map[string]any{
			"idempotency_key": msg.IdempotencyKey,
			"template":        params.Template,
			"to":              to,
		},
	}), nil
}
