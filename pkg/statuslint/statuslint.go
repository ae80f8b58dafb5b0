// Package statuslint provides a static check forbidding ad-hoc writes to
// aggregate status fields. Status changes must flow through the transition
// guard inside the designated service package; this lint closes the
// code-drift bypass the runtime guards cannot see.
package statuslint

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// defaultAllowed lists package path suffixes permitted to assign status
// fields: the aggregate service, the guard, and the outbox delivery
// lifecycle (whose Status is a message state, not an aggregate state).
var defaultAllowed = []string{
	"pkg/budget",
	"pkg/workflow",
	"pkg/outbox",
}

// Analyzer reports assignments to fields named Status outside the designated
// packages.
var Analyzer = &analysis.Analyzer{
	Name:     "statuslint",
	Doc:      "forbids writes to aggregate status fields outside the designated service package",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

var allowedFlag string

func init() {
	Analyzer.Flags.StringVar(&allowedFlag, "allowed",
		strings.Join(defaultAllowed, ","),
		"comma-separated package path suffixes permitted to assign status fields")
}

func run(pass *analysis.Pass) (any, error) {
	if packageAllowed(pass.Pkg.Path()) {
		return nil, nil
	}

	ins := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	nodeFilter := []ast.Node{(*ast.AssignStmt)(nil)}

	ins.Preorder(nodeFilter, func(n ast.Node) {
		assign := n.(*ast.AssignStmt)
		for _, lhs := range assign.Lhs {
			sel, ok := lhs.(*ast.SelectorExpr)
			if !ok {
				continue
			}
			if sel.Sel.Name != "Status" {
				continue
			}
			pass.Reportf(sel.Pos(),
				"status field assigned outside the designated service package; use the transition guard")
		}
	})
	return nil, nil
}

func packageAllowed(pkgPath string) bool {
	for _, suffix := range strings.Split(allowedFlag, ",") {
		suffix = strings.TrimSpace(suffix)
		if suffix == "" {
			continue
		}
		if strings.HasSuffix(pkgPath, suffix) {
			return true
		}
	}
	return false
}
