package iotests

import (
	"testing"

	"github.com/KarpelesLab/iotests/qmp"
)

// TestCase binds a VM to a test. Its methods mirror JobHarness and the
// path helpers but fail the test on any error instead of returning it.
type TestCase struct {
	TB   testing.TB
	VM   *VM
	Jobs *JobHarness
}

// NewTestCase returns a TestCase for vm. The VM is shut down when the test
// ends.
func NewTestCase(tb testing.TB, vm *VM) *TestCase {
	tb.Cleanup(func() {
		if err := vm.Shutdown(); err != nil {
			tb.Errorf("shutdown: %v", err)
		}
	})
	return &TestCase{TB: tb, VM: vm, Jobs: vm.Jobs()}
}

func (tc *TestCase) check(err error) {
	tc.TB.Helper()
	if err != nil {
		tc.TB.Fatal(err)
	}
}

// DictPath traverses a path in a nested QMP structure.
func (tc *TestCase) DictPath(d any, path string) any {
	tc.TB.Helper()
	v, err := DictPath(d, path)
	tc.check(err)
	return v
}

// AssertQMP asserts that the value at path in d equals want.
func (tc *TestCase) AssertQMP(d any, path string, want any) {
	tc.TB.Helper()
	tc.check(CheckQMP(d, path, want))
}

// AssertQMPAbsent asserts that path does not exist in d.
func (tc *TestCase) AssertQMPAbsent(d any, path string) {
	tc.TB.Helper()
	tc.check(CheckQMPAbsent(d, path))
}

// QMP runs a command; only transport errors fail the test.
func (tc *TestCase) QMP(name string, args ...Arg) qmp.Response {
	tc.TB.Helper()
	resp, err := tc.VM.QMP(name, args...)
	tc.check(err)
	return resp
}

// AssertNoActiveBlockJobs asserts that no block job is left.
func (tc *TestCase) AssertNoActiveBlockJobs() {
	tc.TB.Helper()
	tc.check(tc.Jobs.AssertNoActiveBlockJobs())
}

// CancelAndWait cancels a block job and waits for it to finish.
func (tc *TestCase) CancelAndWait(drive string, force, resume bool) *qmp.Event {
	tc.TB.Helper()
	ev, err := tc.Jobs.CancelAndWait(drive, force, resume)
	tc.check(err)
	return ev
}

// WaitUntilCompleted waits for a block job to finish.
func (tc *TestCase) WaitUntilCompleted(drive string, checkOffset bool) *qmp.Event {
	tc.TB.Helper()
	ev, err := tc.Jobs.WaitUntilCompleted(drive, checkOffset)
	tc.check(err)
	return ev
}

// WaitReady waits for BLOCK_JOB_READY.
func (tc *TestCase) WaitReady(drive string) *qmp.Event {
	tc.TB.Helper()
	ev, err := tc.Jobs.WaitReady(drive)
	tc.check(err)
	return ev
}

// WaitReadyAndCancel waits for readiness, then cancels.
func (tc *TestCase) WaitReadyAndCancel(drive string) *qmp.Event {
	tc.TB.Helper()
	ev, err := tc.Jobs.WaitReadyAndCancel(drive)
	tc.check(err)
	return ev
}

// CompleteAndWait completes a block job and waits for it to finish.
func (tc *TestCase) CompleteAndWait(drive string, waitReady bool) *qmp.Event {
	tc.TB.Helper()
	ev, err := tc.Jobs.CompleteAndWait(drive, waitReady)
	tc.check(err)
	return ev
}
