//go:build replicore_testharness

package replstream

import "github.com/cockroachdb/errors"

// SimulateApplyOnMaster is a test-harness-only reimplementation of
// abort_sysop_and_simulate_apply_repl_on_master: it pops the current
// sysop frame, discards that frame's objects whose LSA is at or after
// cutoff (DestroyObjectsAfterLSA), appends the earlier surviving objects
// to the enclosing frame, and then applies those survivors against the
// supplied Applier on the master side itself, for exercising apply-path
// bugs without a real slave. Unlike AbortSysopAndAttachToOuter, which
// keeps the objects at or after cutoff, this keeps the ones before it. Gated
// behind the replicore_testharness build tag since this path is test-only
// and must never run in production builds.
func SimulateApplyOnMaster(g *Generator, cutoff LSA, a Applier) error {
	g.mu.Lock()
	if len(g.stack) < 2 {
		g.mu.Unlock()
		return errors.AssertionFailedf("replstream: SimulateApplyOnMaster with empty sysop stack")
	}
	popped := g.stack[len(g.stack)-1]
	popped.entry.DestroyObjectsAfterLSA(cutoff)
	g.stack = g.stack[:len(g.stack)-1]

	parent := g.top()
	parent.Objects = append(parent.Objects, popped.entry.Objects...)
	survivors := popped.entry.Objects
	g.mu.Unlock()

	for _, o := range survivors {
		if err := o.Apply(a); err != nil {
			return err
		}
	}
	return nil
}
