package batching

import (
	"time"

	"chatloop/pkg/types"
)

// Step is one sequence's unit of work for a single forward pass. The first
// stage fills Tokens; later stages fill Hidden with Len rows.
type Step struct {
	Seq      uint64
	Pos      int
	Len      int
	Tokens   []int32
	Hidden   []float32
	Sampling types.Sampling
	Deadline time.Time
}

// Expired reports whether the step's deadline has passed at now.
func (s Step) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}

// Result is the outcome of one step. Terminal stages fill Token.
type Result struct {
	Seq   uint64
	Token int32
	Err   error
	// Queued is how long the step waited before its batch was dispatched.
	Queued time.Duration
}

// Batch groups steps that share one forward pass. MaxLen is the padded
// length; Lengths keeps every member's original length for unpadding.
type Batch struct {
	ID      uint64
	Steps   []Step
	Lengths []int
	MaxLen  int
	Created time.Time
}

// NewBatch groups steps, recording their lengths for padding.
func NewBatch(id uint64, steps []Step, now time.Time) *Batch {
	b := &Batch{ID: id, Steps: steps, Lengths: make([]int, len(steps)), Created: now}
	for i, s := range steps {
		b.Lengths[i] = s.Len
		b.MaxLen = max(b.MaxLen, s.Len)
	}
	return b
}

// Size returns the number of members.
func (b *Batch) Size() int { return len(b.Steps) }

// PadHidden lays the members' hidden rows out as [Size, MaxLen, width],
// zero-filling padding rows.
func (b *Batch) PadHidden(width int) []float32 {
	out := make([]float32, b.Size()*b.MaxLen*width)
	for i, s := range b.Steps {
		copy(out[i*b.MaxLen*width:], s.Hidden[:s.Len*width])
	}
	return out
}

// Unpad returns member i's real rows from a padded [Size, MaxLen, width]
// tensor.
func (b *Batch) Unpad(padded []float32, i, width int) []float32 {
	off := i * b.MaxLen * width
	return padded[off : off+b.Lengths[i]*width]
}

// FailAll returns one result per member carrying err.
func (b *Batch) FailAll(err error) []Result {
	out := make([]Result, b.Size())
	for i, s := range b.Steps {
		out[i] = Result{Seq: s.Seq, Err: err}
	}
	return out
}
