package timectrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/model"
)

var (
	ErrEmptyTimeline  = errors.New("timeline has no frames")
	ErrStepOutOfRange = errors.New("timeline step out of range")
)

// FrameInterval spaces frames whose records carry no parseable datetime.
const FrameInterval = time.Minute

// datetimeLayouts are the shapes the timeline API emits.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// Updater is the registry entry point frames are replayed through.
type Updater interface {
	UpdateAt(ctx context.Context, batch []*model.Measurement, cycle time.Time) core.UpdateResult
}

// Frame is the set of records for one timestamp.
type Frame struct {
	Time     time.Time
	Datetime string
	Records  []*model.Measurement
}

// Clone deep-copies the frame; the copy shares nothing with f.
func (f Frame) Clone() Frame {
	out := Frame{Time: f.Time, Datetime: f.Datetime}
	if f.Records != nil {
		out.Records = make([]*model.Measurement, len(f.Records))
		for i, m := range f.Records {
			out.Records[i] = m.Clone()
		}
	}
	return out
}

// Timeline replays a time series of batches. The loaded frames are never
// handed out; every apply works on a disposable working copy that is
// refreshed from them whenever playback re-enters frames it has already
// visited (a forward wrap or any backward move).
type Timeline struct {
	frames  []Frame
	working []Frame
	cursor  int
}

// Load reshapes a response holding one record series per link into frames.
// The longest series defines the time axis; shorter series repeat their
// last record once they run out.
func Load(sources [][]*model.Measurement) (*Timeline, error) {
	length := 0
	for _, s := range sources {
		if len(s) > length {
			length = len(s)
		}
	}
	if length == 0 {
		return nil, ErrEmptyTimeline
	}

	frames := make([]Frame, length)
	for i := range frames {
		records := make([]*model.Measurement, 0, len(sources))
		for _, s := range sources {
			if len(s) == 0 {
				continue
			}
			j := i
			if j >= len(s) {
				j = len(s) - 1
			}
			records = append(records, s[j].Clone())
		}
		frames[i] = Frame{Records: records}
	}
	stampFrames(frames)

	t := &Timeline{frames: frames}
	t.refresh()
	return t, nil
}

// stampFrames takes each frame's time from the first record with a
// parseable datetime, falling back to FrameInterval after the previous one.
func stampFrames(frames []Frame) {
	var prev time.Time
	for i := range frames {
		f := &frames[i]
		for _, m := range f.Records {
			if m == nil || m.Datetime == "" {
				continue
			}
			if ts, ok := parseDatetime(m.Datetime); ok {
				f.Time, f.Datetime = ts, m.Datetime
				break
			}
		}
		if f.Time.IsZero() {
			if i == 0 {
				f.Time = time.Unix(0, 0).UTC()
			} else {
				f.Time = prev.Add(FrameInterval)
			}
		}
		prev = f.Time
	}
}

func parseDatetime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Len returns the number of frames.
func (t *Timeline) Len() int { return len(t.frames) }

// Cursor returns the index of the current frame.
func (t *Timeline) Cursor() int { return t.cursor }

// Frame returns a copy of the pristine frame i.
func (t *Timeline) Frame(i int) (Frame, error) {
	if i < 0 || i >= len(t.frames) {
		return Frame{}, fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, i, len(t.frames))
	}
	return t.frames[i].Clone(), nil
}

// Current returns the working frame at the cursor.
func (t *Timeline) Current() Frame { return t.working[t.cursor] }

// Apply feeds the working frame at the cursor to u, stamped with the frame
// time so replays are deterministic.
func (t *Timeline) Apply(ctx context.Context, u Updater) core.UpdateResult {
	f := t.working[t.cursor]
	return u.UpdateAt(ctx, f.Records, f.Time)
}

// Step moves the cursor by delta with wraparound and applies the new frame.
func (t *Timeline) Step(ctx context.Context, u Updater, delta int) core.UpdateResult {
	n := len(t.frames)
	next := t.cursor + delta
	wrapped := next >= n
	next = ((next % n) + n) % n

	if wrapped || delta < 0 {
		t.refresh()
	}
	t.cursor = next
	return t.Apply(ctx, u)
}

// SetStep jumps to frame n. Jumping to the current frame does nothing and
// reports false.
func (t *Timeline) SetStep(ctx context.Context, u Updater, n int) (core.UpdateResult, bool, error) {
	if n < 0 || n >= len(t.frames) {
		return core.UpdateResult{}, false, fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, n, len(t.frames))
	}
	if n == t.cursor {
		return core.UpdateResult{}, false, nil
	}
	t.refresh()
	t.cursor = n
	return t.Apply(ctx, u), true, nil
}

func (t *Timeline) refresh() {
	t.working = make([]Frame, len(t.frames))
	for i, f := range t.frames {
		t.working[i] = f.Clone()
	}
}
