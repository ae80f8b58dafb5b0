// Command statuslint runs the status-write analyzer standalone:
//
//	statuslint ./...
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/agrovista/fincore/pkg/statuslint"
)

func main() {
	singlechecker.Main(statuslint.Analyzer)
}
