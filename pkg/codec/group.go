package codec

import (
	"sort"

	"github.com/stepbus/stepbus/pkg/core"
)

// Outcome classifies the decode attempt for one order key.
type Outcome int

const (
	// OutcomeComplete means the group decoded to a step.
	OutcomeComplete Outcome = iota
	// OutcomePending means fewer than FrameCount frames have arrived; more
	// may still come.
	OutcomePending
	// OutcomeIncomplete means enough frames arrived but at least one block
	// is absent or truncated.
	OutcomeIncomplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomePending:
		return "pending"
	case OutcomeIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// GroupResult is the decode outcome for the frames sharing one order key.
// Err is a *MissingFieldError unless Outcome is OutcomeComplete.
type GroupResult struct {
	OrderKey uint64
	Frames   int
	Outcome  Outcome
	Step     core.DrivingStep
	Err      error
}

// Resolver supplies the byte order and step name recorded for an order key.
type Resolver func(orderKey uint64) (core.ByteOrder, string)

// Fixed returns a Resolver that decodes every group with order and no name.
func Fixed(order core.ByteOrder) Resolver {
	return func(uint64) (core.ByteOrder, string) { return order, "" }
}

// Group partitions frames by order key and decodes each partition on its
// own, asking resolve for the byte order and name of each key. Results are
// sorted by ascending order key; within a partition the input order is
// kept, so the first-seen rule of Decode applies.
func Group(frames []core.Frame, resolve Resolver) []GroupResult {
	partitions := make(map[uint64][]core.Frame)
	keys := make([]uint64, 0)
	for _, f := range frames {
		if _, ok := partitions[f.OrderKey]; !ok {
			keys = append(keys, f.OrderKey)
		}
		partitions[f.OrderKey] = append(partitions[f.OrderKey], f)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	results := make([]GroupResult, 0, len(keys))
	for _, key := range keys {
		part := partitions[key]

		order, name := resolve(key)

		res := GroupResult{OrderKey: key, Frames: len(part)}
		step, err := Decode(part, order, name)
		switch {
		case err == nil:
			res.Outcome = OutcomeComplete
			res.Step = step
		case len(part) < FrameCount:
			res.Outcome = OutcomePending
			res.Err = err
		default:
			res.Outcome = OutcomeIncomplete
			res.Err = err
		}
		results = append(results, res)
	}
	return results
}
