package speedscope

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/getsentry/ktrace/internal/trace"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	EventTypeOpenFrame  EventType = "O"
	EventTypeCloseFrame EventType = "C"

	ProfileTypeEvented ProfileType = "evented"
)

type (
	Frame struct {
		File string `json:"file,omitempty"`
		Name string `json:"name"`
	}

	Event struct {
		Type  EventType `json:"type"`
		Frame int       `json:"frame"`
		At    uint64    `json:"at"`
	}

	EventedProfile struct {
		EndValue   uint64      `json:"endValue"`
		Events     []Event     `json:"events"`
		Name       string      `json:"name"`
		StartValue uint64      `json:"startValue"`
		ThreadID   uint64      `json:"threadID"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	EventType   string
	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string            `json:"$schema"`
		ActiveProfileIndex int               `json:"activeProfileIndex"`
		DurationNS         uint64            `json:"durationNS"`
		Exporter           string            `json:"exporter,omitempty"`
		Name               string            `json:"name,omitempty"`
		ProfileID          string            `json:"profileID"`
		Profiles           []*EventedProfile `json:"profiles"`
		Shared             SharedData        `json:"shared"`
	}
)

type block struct {
	frame      int
	begin, end uint64
}

// FromTimedTraces builds one evented profile per thread, each timed trace
// being a frame open for its duration. Begins without an end are left out.
// Blocks overlapping without nesting are clipped to the block they started
// in, since a profile is a stack.
func FromTimedTraces(name string, timed []trace.TimedTrace) Output {
	var frames []Frame
	frameIndex := make(map[*trace.TracePoint]int)
	threads := make(map[uint64][]block)
	threadNames := make(map[uint64]string)
	var threadOrder []uint64
	var start, end uint64
	first := true

	for _, t := range timed {
		if t.Duration == nil {
			continue
		}
		tp := t.Trace.TracePoint
		fi, ok := frameIndex[tp]
		if !ok {
			fi = len(frames)
			frameIndex[tp] = fi
			frames = append(frames, Frame{Name: tp.Name, File: tp.Provenance})
		}
		b := block{frame: fi, begin: t.Trace.Time, end: t.Trace.Time + *t.Duration}
		ptr := t.Trace.Thread.Ptr
		if _, ok := threads[ptr]; !ok {
			threadOrder = append(threadOrder, ptr)
		}
		threads[ptr] = append(threads[ptr], b)
		if threadNames[ptr] == "" {
			threadNames[ptr] = t.Trace.Thread.Name
		}
		if first || b.begin < start {
			start = b.begin
		}
		if first || b.end > end {
			end = b.end
		}
		first = false
	}

	profiles := make([]*EventedProfile, 0, len(threadOrder))
	var active, longest int
	for _, ptr := range threadOrder {
		p := eventedProfile(threads[ptr])
		p.ThreadID = ptr
		p.Name = threadNames[ptr]
		if p.Name == "" {
			p.Name = "unnamed"
		}
		if n := len(p.Events); n > longest {
			active, longest = len(profiles), n
		}
		profiles = append(profiles, p)
	}

	return Output{
		Schema:             Schema,
		ActiveProfileIndex: active,
		DurationNS:         end - start,
		Exporter:           "ktrace",
		Name:               name,
		ProfileID:          strings.ReplaceAll(uuid.New().String(), "-", ""),
		Profiles:           profiles,
		Shared:             SharedData{Frames: frames},
	}
}

func eventedProfile(blocks []block) *EventedProfile {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].begin != blocks[j].begin {
			return blocks[i].begin < blocks[j].begin
		}
		return blocks[i].end > blocks[j].end
	})
	p := &EventedProfile{
		Type: ProfileTypeEvented,
		Unit: ValueUnitNanoseconds,
	}
	if len(blocks) > 0 {
		p.StartValue = blocks[0].begin
	}
	var stack []block
	closeFrame := func() {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p.Events = append(p.Events, Event{Type: EventTypeCloseFrame, Frame: top.frame, At: top.end})
		if top.end > p.EndValue {
			p.EndValue = top.end
		}
	}
	for _, b := range blocks {
		for len(stack) > 0 && stack[len(stack)-1].end <= b.begin {
			closeFrame()
		}
		if len(stack) > 0 && b.end > stack[len(stack)-1].end {
			b.end = stack[len(stack)-1].end
		}
		stack = append(stack, b)
		p.Events = append(p.Events, Event{Type: EventTypeOpenFrame, Frame: b.frame, At: b.begin})
	}
	for len(stack) > 0 {
		closeFrame()
	}
	return p
}
