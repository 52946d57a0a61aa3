package serve

import (
	"sort"

	"github.com/gftdcojp/playback-loader/internal/block"
	"github.com/gftdcojp/playback-loader/internal/meta"
	"github.com/gftdcojp/playback-loader/internal/player"
	"github.com/gftdcojp/playback-loader/internal/types"
	"github.com/gftdcojp/playback-loader/pkg/playback"
)

func toWireTime(t types.Time) playback.Time {
	return playback.Time{Sec: t.Sec, Nsec: t.Nsec}
}

func fromWireTime(t playback.Time) types.Time {
	return types.NewTime(t.Sec, t.Nsec)
}

func toWireStatus(st player.Status) playback.Status {
	return playback.Status{
		Name:            st.Name,
		Initialized:     st.Initialized,
		Start:           toWireTime(st.Start),
		End:             toWireTime(st.End),
		Topics:          st.Topics,
		LastSeek:        toWireTime(st.LastSeek),
		Loading:         st.Loading,
		LoadedFraction:  st.LoadedFraction,
		CacheBytes:      st.CacheBytes,
		BlockCount:      st.BlockCount,
		BlockDurationNs: st.BlockDurationNs,
		LastError:       st.LastError,
	}
}

func toWireProgress(p block.Progress, cacheBytes int64) playback.Progress {
	out := playback.Progress{
		FullyLoadedFractionRanges: make([]playback.Range, 0, len(p.FullyLoadedFractionRanges)),
		LoadedFraction:            p.LoadedFraction(),
		CacheBytes:                cacheBytes,
	}
	for _, r := range p.FullyLoadedFractionRanges {
		out.FullyLoadedFractionRanges = append(out.FullyLoadedFractionRanges, playback.Range{Start: r.Start, End: r.End})
	}
	return out
}

func toWireMessage(e types.MessageEvent) playback.Message {
	return playback.Message{
		Topic:       e.Topic,
		SchemaName:  e.SchemaName,
		ReceiveTime: toWireTime(e.ReceiveTime),
		PublishTime: toWireTime(e.PublishTime),
		Data:        e.Message,
		SizeInBytes: e.SizeInBytes,
	}
}

func toWireMessages(events []types.MessageEvent) []playback.Message {
	out := make([]playback.Message, 0, len(events))
	for _, e := range events {
		out = append(out, toWireMessage(e))
	}
	return out
}

func blockTopics(b *block.MessageBlock) []string {
	if b == nil {
		return nil
	}
	topics := make([]string, 0, len(b.MessagesByTopic))
	for topic := range b.MessagesByTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func toWireBlock(id int, start types.Time, b *block.MessageBlock) playback.Block {
	out := playback.Block{
		ID:              id,
		Start:           toWireTime(start),
		MessagesByTopic: make(map[string][]playback.Message),
	}
	if b == nil {
		return out
	}
	out.SizeBytes = b.SizeInBytes
	for topic, events := range b.MessagesByTopic {
		out.MessagesByTopic[topic] = toWireMessages(events)
	}
	return out
}

// blockEvents flattens a block into receive-time order.
func blockEvents(b *block.MessageBlock) []types.MessageEvent {
	var events []types.MessageEvent
	for _, topic := range blockTopics(b) {
		events = append(events, b.MessagesByTopic[topic]...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ReceiveTime.IsBefore(events[j].ReceiveTime)
	})
	return events
}

func toWireProblems(entries []meta.ProblemEntry) []playback.Problem {
	out := make([]playback.Problem, 0, len(entries))
	for _, e := range entries {
		out = append(out, playback.Problem{
			ID:        e.ID,
			Severity:  string(e.Problem.Severity),
			Message:   e.Problem.Message,
			Error:     e.Problem.Error,
			Tip:       e.Problem.Tip,
			FirstSeen: e.FirstSeen,
			LastSeen:  e.LastSeen,
		})
	}
	return out
}

func topicsResponse(p *player.Player) (playback.TopicsResponse, error) {
	topics, err := p.Topics()
	if err != nil {
		return playback.TopicsResponse{}, err
	}
	resp := playback.TopicsResponse{Topics: topics}
	if init := p.Initialization(); init != nil {
		for _, t := range init.Topics {
			resp.Available = append(resp.Available, playback.TopicInfo{
				Name:        t.Name,
				SchemaName:  t.SchemaName,
				NumMessages: init.TopicStats[t.Name].NumMessages,
			})
		}
	}
	return resp, nil
}
