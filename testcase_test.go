package iotests

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTB records fatal failures instead of stopping the test.
type recordingTB struct {
	testing.TB
	fatals []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Fatal(args ...any) {
	r.fatals = append(r.fatals, fmt.Sprint(args...))
}

func TestTestCaseAssertions(t *testing.T) {
	rec := &recordingTB{TB: t}
	tc := &TestCase{TB: rec, Jobs: NewJobHarness(newFakeVM())}

	d := map[string]any{"return": map[string]any{"offset": 10, "list": []any{"a"}}}

	assert.Equal(t, "a", tc.DictPath(d, "return/list[0]"))
	tc.AssertQMP(d, "return/offset", 10)
	tc.AssertQMPAbsent(d, "return/error")
	require.Empty(t, rec.fatals)

	tc.AssertQMP(d, "return/offset", 11)
	tc.AssertQMPAbsent(d, "return/offset")
	assert.Nil(t, tc.DictPath(d, "return/missing"))
	require.Len(t, rec.fatals, 3)
	assert.Contains(t, rec.fatals[0], "return/offset")
	assert.Contains(t, rec.fatals[2], "failed path traversal")
}

func TestTestCaseJobs(t *testing.T) {
	rec := &recordingTB{TB: t}
	vm := newFakeVM()
	tc := &TestCase{TB: rec, Jobs: NewJobHarness(vm)}

	ev := tc.CancelAndWait("drive0", false, false)
	require.NotNil(t, ev)
	assert.Equal(t, EventBlockJobCancelled, ev.Name)
	tc.AssertNoActiveBlockJobs()
	assert.Empty(t, rec.fatals)

	// nothing left to wait for
	assert.Nil(t, tc.WaitReady("drive0"))
	require.Len(t, rec.fatals, 1)
}
