package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
)

// DefaultTimeout bounds one tool invocation.
const DefaultTimeout = 10 * time.Second

// MsgUnavailable is returned for tool names not in the dispatch table.
const MsgUnavailable = "Verktyget är inte tillgängligt."

// errorPrefix prefixes every handler failure.
const errorPrefix = "Fel vid verktygsanrop: "

// Status labels recorded on the tool call metric.
const (
	statusOK          = "ok"
	statusError       = "error"
	statusTimeout     = "timeout"
	statusUnavailable = "unavailable"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// Dispatcher routes tool calls to their handlers. Safe for concurrent use;
// the table is fixed at construction time.
type Dispatcher struct {
	tools   map[string]Tool
	timeout time.Duration
	metrics *observe.Metrics
}

// NewDispatcher builds a Dispatcher from ts. Duplicate or empty names are
// rejected.
func NewDispatcher(ts []Tool, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		tools:   make(map[string]Tool, len(ts)),
		timeout: DefaultTimeout,
	}
	var errs []error
	for _, t := range ts {
		name := t.Definition.Name
		switch {
		case name == "":
			errs = append(errs, errors.New("tools: tool with empty name"))
		case t.Handler == nil:
			errs = append(errs, fmt.Errorf("tools: tool %q has no handler", name))
		case d.tools[name].Handler != nil:
			errs = append(errs, fmt.Errorf("tools: duplicate tool %q", name))
		default:
			d.tools[name] = t
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// Definitions returns the declarations of every tool, sorted by name.
func (d *Dispatcher) Definitions() []s2s.ToolDefinition {
	defs := make([]s2s.ToolDefinition, 0, len(d.tools))
	for _, t := range d.tools {
		defs = append(defs, t.Definition)
	}
	slices.SortFunc(defs, func(a, b s2s.ToolDefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Dispatch runs call and returns the status string to send back to the
// model. It returns within the configured timeout even if the handler
// ignores cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, call s2s.ToolCall) string {
	ctx, span := observe.StartSpan(ctx, "tool "+call.Name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.String("tool.call_id", call.ID))
	log := observe.Logger(ctx).With("tool", call.Name)

	start := time.Now()
	t, ok := d.tools[call.Name]
	if !ok {
		log.Warn("unknown tool requested")
		d.metrics.RecordToolCall(ctx, call.Name, statusUnavailable, time.Since(start).Seconds())
		return MsgUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := t.Handler(ctx, call.Args)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	status := statusOK
	select {
	case out = <-done:
		if out.err != nil {
			status = statusError
			if errors.Is(out.err, context.DeadlineExceeded) {
				status = statusTimeout
			}
		}
	case <-ctx.Done():
		out.err = ctx.Err()
		status = statusTimeout
	}

	elapsed := time.Since(start)
	d.metrics.RecordToolCall(ctx, call.Name, status, elapsed.Seconds())

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		log.Warn("tool call failed", "err", out.err, "status", status, "duration", elapsed)
		return errorPrefix + out.err.Error()
	}
	log.Info("tool call completed", "duration", elapsed)
	return out.result
}
