package track

import "github.com/onnwee/livewatch/platform"

// Transition is the state change between two observations of a stream feed.
type Transition int

const (
	None Transition = iota
	Started
	Updated
	Ended
	// Restarted means a new live session replaced a previous one between observations. Callers
	// handle it as Ended(prev) followed by Started(cur).
	Restarted
)

func (t Transition) String() string {
	switch t {
	case None:
		return "none"
	case Started:
		return "started"
	case Updated:
		return "updated"
	case Ended:
		return "ended"
	case Restarted:
		return "restarted"
	default:
		return "unknown"
	}
}

// Diff derives the transition from prev to cur. Either may be nil, meaning offline or never
// observed.
func Diff(prev, cur *platform.Descriptor) Transition {
	wasLive := prev != nil && prev.Live
	isLive := cur != nil && cur.Live
	switch {
	case !wasLive && !isLive:
		return None
	case !wasLive && isLive:
		return Started
	case wasLive && !isLive:
		return Ended
	}
	if prev.ID != "" && cur.ID != "" && prev.ID != cur.ID {
		return Restarted
	}
	if prev.Title != cur.Title || prev.Game != cur.Game || prev.Viewers != cur.Viewers ||
		prev.ThumbnailURL != cur.ThumbnailURL {
		return Updated
	}
	return None
}
