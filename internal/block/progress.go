package block

import (
	"github.com/gftdcojp/playback-loader/internal/interval"
	"github.com/gftdcojp/playback-loader/internal/types"
)

// computeProgress marks a block fully loaded when it is present and has been
// checked for every topic, then collapses those blocks into fractional ranges.
func computeProgress(blocks []*MessageBlock, topics TopicSet, start types.Time) Progress {
	var loaded []interval.Interval
	for i, blk := range blocks {
		if !blk.HasTopics(topics) {
			continue
		}
		loaded = append(loaded, interval.Interval{Start: int64(i), End: int64(i + 1)})
	}

	return Progress{
		FullyLoadedFractionRanges: interval.Fractions(interval.Simplify(loaded), int64(len(blocks))),
		MessageCache: &MessageCache{
			Blocks:    blocks,
			StartTime: start,
		},
	}
}
