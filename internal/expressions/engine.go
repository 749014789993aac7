package expressions

import "context"

// Engine evaluates restricted expressions inside workflow steps.
// Three implementations: Expr (conditions and transforms), CEL (conditions),
// GoJQ (transforms). None of them can reach the network, the file system or
// the process environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
