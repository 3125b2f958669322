// A bare runtime binary. Real deployments embed the cms package in their
// own main, registering collections, globals, hooks, jobs and functions in
// code; this binary serves an empty schema and exists for migrations and
// smoke tests.
package main

import (
	"github.com/stratacms/strata/cli"
	"github.com/stratacms/strata/cms"
)

func main() {
	cli.Execute(&cms.Config{})
}
