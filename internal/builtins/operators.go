// Package builtins ships a handful of example operators used by the
// CLI harness's default registry and by tests. They are intentionally
// simple: real deployments register their own domain operators
// against an operator.Registry instead of relying on these.
package builtins

import (
	"strings"
	"time"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/recordctx"
)

// UppercaseOperator uppercases every string field on a record. 1:1.
type UppercaseOperator struct{}

func (UppercaseOperator) ProcessItem(ctx *recordctx.Context, item model.Record) (model.Record, error) {
	out := make(model.Record, len(item))
	for k, v := range item {
		if s, ok := v.(string); ok {
			out[k] = strings.ToUpper(s)
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// TimestampOperator stamps every record with the time it was
// processed. 1:1.
type TimestampOperator struct{}

func (TimestampOperator) ProcessItem(ctx *recordctx.Context, item model.Record) (model.Record, error) {
	out := make(model.Record, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	out["processed_at"] = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}

// SplitFieldOperator explodes a record into one child per entry of a
// configured delimiter-separated field, used to exercise the 1:N
// child-anchor derivation path. Configure via extra["field"] and
// extra["delimiter"] (default ",").
type SplitFieldOperator struct {
	Field     string
	Delimiter string
}

// NewSplitFieldOperator builds a SplitFieldOperator from a node's
// extras map, as a registry.Factory would.
func NewSplitFieldOperator(extra map[string]any) (any, error) {
	field, _ := extra["field"].(string)
	if field == "" {
		field = "text"
	}
	delim, _ := extra["delimiter"].(string)
	if delim == "" {
		delim = ","
	}
	return &SplitFieldOperator{Field: field, Delimiter: delim}, nil
}

func (s *SplitFieldOperator) ProcessItemMulti(ctx *recordctx.Context, item model.Record) ([]model.Record, error) {
	raw, _ := item[s.Field].(string)
	parts := strings.Split(raw, s.Delimiter)

	children := make([]model.Record, len(parts))
	for i, part := range parts {
		child := make(model.Record, len(item))
		for k, v := range item {
			child[k] = v
		}
		child[s.Field] = strings.TrimSpace(part)
		children[i] = child
	}
	return children, nil
}
