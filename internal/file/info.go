package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/gftdcojp/playback-loader/internal/types"
)

// initBuilder accumulates channel and schema records into an Initialization.
type initBuilder struct {
	init     *types.Initialization
	topicIdx map[string]int
}

func newInitBuilder() *initBuilder {
	return &initBuilder{
		init: &types.Initialization{
			TopicStats:        make(map[string]types.TopicStats),
			Datatypes:         make(map[string]types.Datatype),
			PublishersByTopic: make(map[string][]string),
		},
		topicIdx: make(map[string]int),
	}
}

func (b *initBuilder) addChannel(channel *mcap.Channel, schema *mcap.Schema) {
	schemaName := ""
	if schema != nil {
		schemaName = schema.Name
		if _, ok := b.init.Datatypes[schema.Name]; !ok {
			b.init.Datatypes[schema.Name] = types.Datatype{
				Name:       schema.Name,
				Encoding:   schema.Encoding,
				Definition: append([]byte(nil), schema.Data...),
			}
		}
	} else if channel.SchemaID != 0 {
		b.init.Problems = append(b.init.Problems, types.Problem{
			Severity: types.SeverityWarn,
			Message:  fmt.Sprintf("Channel %d (%s) references missing schema %d.", channel.ID, channel.Topic, channel.SchemaID),
		})
	}

	if i, ok := b.topicIdx[channel.Topic]; ok {
		if prev := b.init.Topics[i].SchemaName; prev != schemaName {
			b.init.Problems = append(b.init.Problems, types.Problem{
				Severity: types.SeverityWarn,
				Message:  fmt.Sprintf("Topic %s is recorded with schemas %q and %q.", channel.Topic, prev, schemaName),
			})
		}
	} else {
		b.topicIdx[channel.Topic] = len(b.init.Topics)
		b.init.Topics = append(b.init.Topics, types.Topic{Name: channel.Topic, SchemaName: schemaName})
		b.init.TopicStats[channel.Topic] = types.TopicStats{}
	}

	if caller := channel.Metadata["callerid"]; caller != "" {
		b.init.PublishersByTopic[channel.Topic] = append(b.init.PublishersByTopic[channel.Topic], caller)
	}
}

func (b *initBuilder) finish() *types.Initialization {
	sort.Slice(b.init.Topics, func(i, j int) bool { return b.init.Topics[i].Name < b.init.Topics[j].Name })
	for topic := range b.init.PublishersByTopic {
		sort.Strings(b.init.PublishersByTopic[topic])
	}
	return b.init
}

// summaryInitialization reads everything from the summary section.
func summaryInitialization(info *mcap.Info) *types.Initialization {
	b := newInitBuilder()
	b.init.Start = fromLogTime(info.Statistics.MessageStartTime)
	b.init.End = fromLogTime(info.Statistics.MessageEndTime)

	ids := make([]int, 0, len(info.Channels))
	for id := range info.Channels {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	for _, id := range ids {
		channel := info.Channels[uint16(id)]
		b.addChannel(channel, info.Schemas[channel.SchemaID])
		stats := b.init.TopicStats[channel.Topic]
		stats.NumMessages += info.Statistics.ChannelMessageCounts[channel.ID]
		b.init.TopicStats[channel.Topic] = stats
	}
	return b.finish()
}

// scanInitialization reads every message record, for recordings written
// without a summary.
func scanInitialization(ctx context.Context, reader *mcap.Reader) (*types.Initialization, error) {
	it, err := reader.Messages(mcap.UsingIndex(false), mcap.InOrder(mcap.FileOrder))
	if err != nil {
		return nil, err
	}

	b := newInitBuilder()
	seen := make(map[uint16]struct{})
	msg := &mcap.Message{}
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		schema, channel, m, err := it.NextInto(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if _, ok := seen[channel.ID]; !ok {
			seen[channel.ID] = struct{}{}
			b.addChannel(channel, schema)
		}

		stamp := fromLogTime(m.LogTime)
		if first || stamp.IsBefore(b.init.Start) {
			b.init.Start = stamp
		}
		if first || b.init.End.IsBefore(stamp) {
			b.init.End = stamp
		}
		first = false

		stats := b.init.TopicStats[channel.Topic]
		if stats.FirstMessageTime == nil || stamp.IsBefore(*stats.FirstMessageTime) {
			t := stamp
			stats.FirstMessageTime = &t
		}
		if stats.LastMessageTime == nil || stats.LastMessageTime.IsBefore(stamp) {
			t := stamp
			stats.LastMessageTime = &t
		}
		stats.NumMessages++
		b.init.TopicStats[channel.Topic] = stats
	}
	return b.finish(), nil
}
