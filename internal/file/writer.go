package file

import (
	"fmt"
	"io"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/gftdcojp/playback-loader/internal/types"
)

const writerChunkSize = 4 * 1024 * 1024

// WriteMessages encodes events as a chunked, indexed MCAP recording. Schema
// records come from datatypes when the event's schema is listed there.
func WriteMessages(w io.Writer, events []types.MessageEvent, datatypes map[string]types.Datatype) error {
	return writeRecording(w, events, datatypes, true)
}

func writeRecording(w io.Writer, events []types.MessageEvent, datatypes map[string]types.Datatype, chunked bool) error {
	writer, err := mcap.NewWriter(w, &mcap.WriterOptions{
		Chunked:     chunked,
		ChunkSize:   writerChunkSize,
		Compression: mcap.CompressionZSTD,
	})
	if err != nil {
		return fmt.Errorf("creating mcap writer: %w", err)
	}
	if err := writer.WriteHeader(&mcap.Header{Library: "playback-loader"}); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	schemaIDs := make(map[string]uint16)
	channelIDs := make(map[string]uint16)
	sequences := make(map[uint16]uint32)

	for i := range events {
		ev := &events[i]

		var schemaID uint16
		if ev.SchemaName != "" {
			id, ok := schemaIDs[ev.SchemaName]
			if !ok {
				id = uint16(len(schemaIDs) + 1)
				dt := datatypes[ev.SchemaName]
				if err := writer.WriteSchema(&mcap.Schema{
					ID:       id,
					Name:     ev.SchemaName,
					Encoding: dt.Encoding,
					Data:     dt.Definition,
				}); err != nil {
					return fmt.Errorf("writing schema %s: %w", ev.SchemaName, err)
				}
				schemaIDs[ev.SchemaName] = id
			}
			schemaID = id
		}

		channelID, ok := channelIDs[ev.Topic]
		if !ok {
			channelID = uint16(len(channelIDs))
			if err := writer.WriteChannel(&mcap.Channel{
				ID:              channelID,
				SchemaID:        schemaID,
				Topic:           ev.Topic,
				MessageEncoding: messageEncoding(datatypes[ev.SchemaName].Encoding),
				Metadata:        map[string]string{},
			}); err != nil {
				return fmt.Errorf("writing channel %s: %w", ev.Topic, err)
			}
			channelIDs[ev.Topic] = channelID
		}

		sequences[channelID]++
		if err := writer.WriteMessage(&mcap.Message{
			ChannelID:   channelID,
			Sequence:    sequences[channelID],
			LogTime:     toLogTime(ev.ReceiveTime),
			PublishTime: toLogTime(ev.PublishTime),
			Data:        ev.Message,
		}); err != nil {
			return fmt.Errorf("writing message on %s: %w", ev.Topic, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing mcap writer: %w", err)
	}
	return nil
}

// messageEncoding maps a schema encoding to the message encoding it implies.
func messageEncoding(schemaEncoding string) string {
	switch schemaEncoding {
	case "ros1msg":
		return "ros1"
	case "ros2msg", "ros2idl":
		return "cdr"
	case "jsonschema":
		return "json"
	case "protobuf":
		return "protobuf"
	case "flatbuffer":
		return "flatbuffer"
	default:
		return "application/octet-stream"
	}
}
