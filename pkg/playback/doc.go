// Package playback provides clients for the playback-loader API.
//
// The server exposes the same operations over HTTP and over NATS
// request-reply. Both clients share the wire types defined here.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := playback.New(playback.Config{NC: nc})
//
//	// Subscribe to topics and seek; loading continues in the background.
//	client.SetTopics(ctx, []string{"/imu", "/gps"})
//	client.Seek(ctx, playback.Time{Sec: 12})
//
//	progress, _ := client.Progress(ctx)
//	fmt.Println(progress.LoadedFraction)
//
// # Responder Subjects
//
//	playback.status    source range, topics and load state
//	playback.progress  fully loaded fraction ranges
//	playback.seek      queue a load around a time
//	playback.topics    get (empty body) or set subscribed topics
//
// The subject prefix defaults to "playback" and can be configured via
// [Config.SubjectPrefix].
package playback
