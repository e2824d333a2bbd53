package stream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/umbreak/nexus-sourcing/internal/eventlog"
)

// celFilter wraps a compiled CEL program evaluated against each event
// before delivery. When disabled, Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("tag", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		// Expose parsed JSON payload (map/list/values) for field filtering
		cel.Variable("json", cel.DynType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// ValidateFilter compiles expr, reporting any parse or type error.
// Pipelines call it up front so a bad expression fails at construction
// rather than on first delivery.
func ValidateFilter(expr string) error {
	_, err := newCELFilter(expr)
	return err
}

// Eval evaluates the compiled expression against an event. When
// disabled, returns true.
func (f celFilter) Eval(ev eventlog.Event) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(ev.Payload, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"tag":        ev.Tag,
		"sequence":   int64(ev.Seq),
		"event_type": ev.Type,
		"ts_ms":      ev.AppendedAtMs,
		"size":       int64(len(ev.Payload)),
		"text":       string(ev.Payload),
		"json":       jsonObj,
		"now_ms":     time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
