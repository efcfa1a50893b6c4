package iotests

import (
	"errors"
	"fmt"
	"time"

	"github.com/KarpelesLab/iotests/qmp"
)

// Controller is the part of a VM the block job harness drives.
type Controller interface {
	QMP(name string, args ...Arg) (qmp.Response, error)
	ResumeDrive(drive string) error
	Events() *EventCache
}

// JobHarness drives one block job at a time through its lifecycle,
// RUNNING -> READY (optional) -> COMPLETED or CANCELLED. There is no job
// object: the state is inferred from command responses and events only.
//
// Every operation that waits for a terminal event also checks that
// query-block-jobs comes back empty afterwards.
type JobHarness struct {
	VM Controller

	// JobType is the expected "type" of READY and completion events.
	JobType string

	// EventTimeout bounds each event pull in WaitReady. Zero waits forever.
	EventTimeout time.Duration
}

// NewJobHarness returns a harness for mirror jobs with a 60s ready timeout.
func NewJobHarness(vm Controller) *JobHarness {
	return &JobHarness{
		VM:           vm,
		JobType:      "mirror",
		EventTimeout: 60 * time.Second,
	}
}

// AssertNoActiveBlockJobs checks that query-block-jobs returns an empty list.
func (h *JobHarness) AssertNoActiveBlockJobs() error {
	resp, err := h.VM.QMP("query-block-jobs")
	if err != nil {
		return err
	}
	err = CheckQMP(resp, "return", []any{})
	var ae *AssertionError
	if errors.As(err, &ae) {
		ae.Message = fmt.Sprintf("block jobs still active: %v", ae.Got)
	}
	return err
}

// WaitReady waits for BLOCK_JOB_READY on drive.
func (h *JobHarness) WaitReady(drive string) (*qmp.Event, error) {
	match := map[string]any{
		"data": map[string]any{"type": h.JobType, "device": drive},
	}
	return h.VM.Events().WaitFor(EventBlockJobReady, match, h.EventTimeout)
}

// CancelAndWait cancels the job on drive and waits until it is gone,
// returning the BLOCK_JOB_CANCELLED or BLOCK_JOB_COMPLETED event. With
// resume, I/O paused by VM.PauseDrive is resumed after the cancel.
func (h *JobHarness) CancelAndWait(drive string, force, resume bool) (*qmp.Event, error) {
	resp, err := h.VM.QMP("block-job-cancel", KV("device", drive), KV("force", force))
	if err != nil {
		return nil, err
	}
	if err := CheckQMP(resp, "return", map[string]any{}); err != nil {
		return nil, fmt.Errorf("block-job-cancel: %w", err)
	}

	if resume {
		if err := h.VM.ResumeDrive(drive); err != nil {
			return nil, err
		}
	}

	ev, err := h.waitTerminal(drive, func(s JobState) bool { return s.IsTerminal() })
	if err != nil {
		return nil, err
	}

	if err := h.AssertNoActiveBlockJobs(); err != nil {
		return nil, err
	}
	return ev, nil
}

// WaitUntilCompleted waits for BLOCK_JOB_COMPLETED on drive. The event must
// not carry an error and, with checkOffset, must report offset == len.
func (h *JobHarness) WaitUntilCompleted(drive string, checkOffset bool) (*qmp.Event, error) {
	ev, err := h.waitTerminal(drive, func(s JobState) bool { return s == JobCompleted })
	if err != nil {
		return nil, err
	}

	if err := CheckQMPAbsent(ev, "data/error"); err != nil {
		return nil, err
	}
	if checkOffset {
		if err := checkFullProgress(ev); err != nil {
			return nil, err
		}
	}

	if err := h.AssertNoActiveBlockJobs(); err != nil {
		return nil, err
	}
	return ev, nil
}

// WaitReadyAndCancel waits for the job to be ready, then cancels it. A
// ready mirror that is cancelled completes, so the result must be
// BLOCK_JOB_COMPLETED with full progress.
func (h *JobHarness) WaitReadyAndCancel(drive string) (*qmp.Event, error) {
	if _, err := h.WaitReady(drive); err != nil {
		return nil, err
	}

	ev, err := h.CancelAndWait(drive, false, false)
	if err != nil {
		return nil, err
	}

	if err := CheckQMP(ev, "event", EventBlockJobCompleted); err != nil {
		return nil, err
	}
	if err := CheckQMP(ev, "data/type", h.JobType); err != nil {
		return nil, err
	}
	if err := checkFullProgress(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CompleteAndWait optionally waits for readiness, completes the job on
// drive and waits for BLOCK_JOB_COMPLETED.
func (h *JobHarness) CompleteAndWait(drive string, waitReady bool) (*qmp.Event, error) {
	if waitReady {
		if _, err := h.WaitReady(drive); err != nil {
			return nil, err
		}
	}

	resp, err := h.VM.QMP("block-job-complete", KV("device", drive))
	if err != nil {
		return nil, err
	}
	if err := CheckQMP(resp, "return", map[string]any{}); err != nil {
		return nil, fmt.Errorf("block-job-complete: %w", err)
	}

	ev, err := h.WaitUntilCompleted(drive, true)
	if err != nil {
		return nil, err
	}
	if err := CheckQMP(ev, "data/type", h.JobType); err != nil {
		return nil, err
	}
	return ev, nil
}

// waitTerminal drains events until one for drive whose state satisfies
// done shows up. Every other event is put back in the cache, in the order
// it was received, once the wait is over.
func (h *JobHarness) waitTerminal(drive string, done func(JobState) bool) (*qmp.Event, error) {
	cache := h.VM.Events()

	var rest []*qmp.Event
	defer func() {
		for _, ev := range rest {
			cache.Enqueue(ev)
		}
	}()

	for {
		events, err := cache.DrainNew(qmp.Forever)
		if err != nil {
			return nil, err
		}
		for i, ev := range events {
			if done(jobStateOf(ev.Name)) && EventMatch(ev.Dict(), deviceMatch(drive)) {
				rest = append(rest, events[i+1:]...)
				return ev, nil
			}
			rest = append(rest, ev)
		}
	}
}

func deviceMatch(drive string) map[string]any {
	return map[string]any{"data": map[string]any{"device": drive}}
}

// checkFullProgress checks data/offset == data/len.
func checkFullProgress(ev *qmp.Event) error {
	length, err := DictPath(ev, "data/len")
	if err != nil {
		return err
	}
	return CheckQMP(ev, "data/offset", length)
}
