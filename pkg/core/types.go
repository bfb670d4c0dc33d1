package core

import (
	"fmt"
)

// StageID identifies a sync stage. The numeric order is the pipeline order.
type StageID uint8

const (
	Headers StageID = iota
	Bodies
	Execution
	Commit

	NumStages = 4
)

// PipelineOrder lists the stages in the order they run within a round.
var PipelineOrder = [NumStages]StageID{Headers, Bodies, Execution, Commit}

// UnwindOrder is the reverse of PipelineOrder.
var UnwindOrder = [NumStages]StageID{Commit, Execution, Bodies, Headers}

var stageNames = [NumStages]string{"headers", "bodies", "execution", "commit"}

func (id StageID) String() string {
	if int(id) >= NumStages {
		return fmt.Sprintf("stage(%d)", uint8(id))
	}

	return stageNames[id]
}

func (id StageID) Valid() bool {
	return int(id) < NumStages
}

// BlockRange is an inclusive range of block numbers.
type BlockRange struct {
	Start uint64
	End   uint64
}

func NewBlockRange(start, end uint64) (BlockRange, error) {
	if start > end {
		return BlockRange{}, fmt.Errorf("invalid block range [%d, %d]", start, end)
	}

	return BlockRange{Start: start, End: end}, nil
}

func (r BlockRange) Len() uint64 {
	return r.End - r.Start + 1
}

func (r BlockRange) Contains(n uint64) bool {
	return n >= r.Start && n <= r.End
}

// Split cuts the range into consecutive sub-ranges of at most size blocks.
func (r BlockRange) Split(size uint64) []BlockRange {
	if size == 0 {
		size = r.Len()
	}

	var out []BlockRange
	for start := r.Start; start <= r.End; start += size {
		end := start + size - 1
		if end > r.End || end < start {
			end = r.End
		}

		out = append(out, BlockRange{Start: start, End: end})
		if end == r.End {
			break
		}
	}

	return out
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// Checkpoint holds the highest durably completed block per stage.
type Checkpoint [NumStages]uint64

// Min returns the lowest value over all stages.
func (c Checkpoint) Min() uint64 {
	m := c[0]
	for _, v := range c[1:] {
		if v < m {
			m = v
		}
	}

	return m
}

// Ordered reports whether no stage is ahead of the stage before it.
func (c Checkpoint) Ordered() bool {
	for i := 1; i < NumStages; i++ {
		if c[i] > c[i-1] {
			return false
		}
	}

	return true
}

func (c Checkpoint) String() string {
	return fmt.Sprintf(
		"headers=%d bodies=%d execution=%d commit=%d",
		c[Headers], c[Bodies], c[Execution], c[Commit],
	)
}
