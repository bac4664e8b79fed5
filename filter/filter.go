// Package filter decides which offline notifications are queued. The filter is an expr
// expression over Env, e.g. `Type == "call" || Hour >= 7 && Hour < 22`.
package filter

import (
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/types"
)

type Filter struct {
	source  string
	program *vm.Program
}

// Compile compiles source. An empty source yields a nil *Filter, which matches everything.
func Compile(source string) (*Filter, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	return &Filter{source: source, program: program}, nil
}

// NewEnv builds the environment for a notification to recipientId at time now.
func NewEnv(recipientId string, payload types.PushPayload, now time.Time) Env {
	now = now.UTC()
	data := payload.Data
	if data == nil {
		data = map[string]string{}
	}
	return Env{
		Type:          payload.Type,
		Title:         payload.Title,
		Body:          payload.Body,
		Recipient:     recipientId,
		Data:          data,
		Hour:          now.Hour(),
		Weekday:       int(now.Weekday()),
		AsInt:         AsInt,
		AsFloat:       AsFloat,
		AsStringSlice: AsStringSlice,
	}
}

// Match evaluates the filter. Evaluation errors count as no match.
func (f *Filter) Match(env Env) bool {
	if f == nil {
		return true
	}
	res, err := expr.Run(f.program, env)
	if err != nil {
		globals.AppLogger.Error("could not evaluate filter", "filter", f.source, "error", err)
		return false
	}
	ok, _ := res.(bool)
	return ok
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
