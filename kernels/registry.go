package kernels

import (
	"fmt"
	"sort"
	"sync"
)

// Op is an elementwise binary operation. Expr is a WGSL expression over the
// scalars a and b.
type Op struct {
	Name string
	Expr string
	Doc  string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Op{}
)

// Register adds or replaces an op.
func Register(op Op) {
	registryMu.Lock()
	registry[op.Name] = op
	registryMu.Unlock()
}

// Names lists registered ops in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the op registered under name.
func Lookup(name string) (Op, error) {
	registryMu.RLock()
	op, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return Op{}, fmt.Errorf("%w: %q", ErrUnknownOp, name)
	}
	return op, nil
}

func init() {
	Register(Op{Name: "add", Expr: "a + b", Doc: "a[i] + b[i]"})
	Register(Op{Name: "sub", Expr: "a - b", Doc: "a[i] - b[i]"})
	Register(Op{Name: "mul", Expr: "a * b", Doc: "a[i] * b[i]"})
	Register(Op{Name: "div", Expr: "a / b", Doc: "a[i] / b[i]; integer division by zero yields a[i]"})
	Register(Op{Name: "min", Expr: "min(a, b)", Doc: "min(a[i], b[i])"})
	Register(Op{Name: "max", Expr: "max(a, b)", Doc: "max(a[i], b[i])"})
}
