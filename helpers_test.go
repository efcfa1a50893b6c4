package iotests

import (
	"github.com/KarpelesLab/iotests/qmp"
)

// fakeSource is an in-memory EventSource. Events in wire are what the
// monitor would read from the socket; a blocking read with nothing pending
// times out at once.
type fakeSource struct {
	wire []*qmp.Event
}

func (s *fakeSource) push(evs ...*qmp.Event) {
	s.wire = append(s.wire, evs...)
}

func (s *fakeSource) PullEvent(wait qmp.Wait) (*qmp.Event, error) {
	if len(s.wire) == 0 {
		if wait == qmp.NoWait {
			return nil, nil
		}
		return nil, qmp.ErrTimeout
	}
	ev := s.wire[0]
	s.wire = s.wire[1:]
	return ev, nil
}

func (s *fakeSource) GetEvents(wait qmp.Wait) ([]*qmp.Event, error) {
	if len(s.wire) == 0 && wait != qmp.NoWait {
		return nil, qmp.ErrTimeout
	}
	return append([]*qmp.Event(nil), s.wire...), nil
}

func (s *fakeSource) ClearEvents() {
	s.wire = nil
}

type recordedCmd struct {
	Name string
	Args map[string]any
}

// fakeVM is a Controller backed by canned responses.
type fakeVM struct {
	src    *fakeSource
	events *EventCache

	cmds     []recordedCmd
	jobs     []any
	handlers map[string]func(args map[string]any) qmp.Response
	resumed  []string
}

func newFakeVM() *fakeVM {
	src := &fakeSource{}
	f := &fakeVM{
		src:      src,
		events:   NewEventCache(src),
		jobs:     []any{},
		handlers: map[string]func(map[string]any) qmp.Response{},
	}

	// A cancelled job goes away and reports BLOCK_JOB_CANCELLED.
	f.handlers["block-job-cancel"] = func(args map[string]any) qmp.Response {
		f.jobs = []any{}
		f.src.push(qmp.NewEvent(EventBlockJobCancelled, map[string]any{
			"device": args["device"],
			"type":   "mirror",
			"len":    1024,
			"offset": 512,
			"speed":  0,
		}))
		return qmp.Response{"return": map[string]any{}}
	}
	return f
}

func (f *fakeVM) QMP(name string, args ...Arg) (qmp.Response, error) {
	m := Args(args).Translate().Map()
	f.cmds = append(f.cmds, recordedCmd{Name: name, Args: m})

	if h, ok := f.handlers[name]; ok {
		return h(m), nil
	}
	if name == "query-block-jobs" {
		return qmp.Response{"return": f.jobs}, nil
	}
	return qmp.Response{"return": map[string]any{}}, nil
}

func (f *fakeVM) ResumeDrive(drive string) error {
	f.resumed = append(f.resumed, drive)
	return nil
}

func (f *fakeVM) Events() *EventCache {
	return f.events
}

func (f *fakeVM) cmdNames() []string {
	var names []string
	for _, c := range f.cmds {
		names = append(names, c.Name)
	}
	return names
}

func jobEvent(name, device string, length, offset int) *qmp.Event {
	return qmp.NewEvent(name, map[string]any{
		"device": device,
		"type":   "mirror",
		"len":    length,
		"offset": offset,
		"speed":  0,
	})
}
