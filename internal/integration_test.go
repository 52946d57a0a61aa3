package internal_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/internal/file"
	"github.com/gftdcojp/playback-loader/internal/memory"
	"github.com/gftdcojp/playback-loader/internal/meta"
	"github.com/gftdcojp/playback-loader/internal/player"
	"github.com/gftdcojp/playback-loader/internal/serve"
	"github.com/gftdcojp/playback-loader/internal/stream"
	"github.com/gftdcojp/playback-loader/internal/types"
	"github.com/gftdcojp/playback-loader/pkg/playback"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// startEmbeddedNATS starts an embedded nats-server with JetStream enabled.
func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  filepath.Join(tmpDir, "jetstream"),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

func newMetaStore(t *testing.T, dir string) *meta.BoltStore {
	t.Helper()
	store, err := meta.NewBoltStore(filepath.Join(dir, "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("create meta store: %v", err)
	}
	return store
}

func runPlayer(t *testing.T, p *player.Player) context.CancelFunc {
	t.Helper()
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize player: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func waitLoaded(t *testing.T, p *player.Player) player.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := p.Status()
		if !st.Loading && st.LoadedFraction == 1 {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st := p.Status()
	t.Fatalf("player did not finish loading: %+v", st)
	return st
}

func cachedMessages(t *testing.T, p *player.Player) int {
	t.Helper()
	progress, err := p.Progress()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, blk := range progress.MessageCache.Blocks {
		n += blk.MessageCount()
	}
	return n
}

// TestIntegration_StreamPlayback covers the complete flow:
// publish to JetStream -> stream source -> player -> NATS responder -> client
func TestIntegration_StreamPlayback(t *testing.T) {
	_, natsURL := startEmbeddedNATS(t)
	tmpDir := t.TempDir()
	logger := zap.NewNop()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("create JetStream context: %v", err)
	}

	ctx := context.Background()
	if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "ROBOT",
		Subjects: []string{"robot.>"},
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	const imuCount = 20
	for i := 0; i < imuCount; i++ {
		msg := nats.NewMsg("robot.imu")
		msg.Data = []byte(fmt.Sprintf("imu-%d", i))
		msg.Header.Set(stream.SchemaHeader, "sensor/Imu")
		if _, err := js.PublishMsg(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if i%4 == 0 {
			if _, err := js.Publish(ctx, "robot.odom", []byte("odom")); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		time.Sleep(time.Millisecond)
	}

	metaStore := newMetaStore(t, tmpDir)
	defer metaStore.Close()

	p := player.New(player.Config{
		Source: stream.NewSource(stream.Config{JS: js, Stream: "ROBOT", Logger: logger}),
		Name:   "robot",
		Loader: config.LoaderConfig{
			MaxBlocks:        10,
			MinBlockDuration: config.Duration(time.Millisecond),
			CacheSize:        config.ByteSize(16 * 1024 * 1024),
		},
		Meta:   metaStore,
		Logger: logger,
	})
	runPlayer(t, p)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go serve.RunNATSResponder(rctx, nc, config.NATSResponderConfig{Enabled: true, SubjectPrefix: "player.robot"}, p, logger)

	client, err := playback.New(playback.Config{NC: nc, SubjectPrefix: "player.robot", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the responder subscription.
	var topics *playback.TopicsResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		topics, err = client.Topics(ctx)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics.Available) != 2 {
		t.Fatalf("expected 2 available topics, got %+v", topics.Available)
	}

	if _, err := client.SetTopics(ctx, []string{"robot.imu"}); err != nil {
		t.Fatalf("set topics: %v", err)
	}
	waitLoaded(t, p)

	if n := cachedMessages(t, p); n != imuCount {
		t.Errorf("cached %d messages, want %d", n, imuCount)
	}

	progress, err := client.Progress(ctx)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(progress.FullyLoadedFractionRanges) != 1 || progress.FullyLoadedFractionRanges[0] != (playback.Range{Start: 0, End: 1}) {
		t.Errorf("unexpected loaded ranges %+v", progress.FullyLoadedFractionRanges)
	}

	// Adding a topic reloads every block for it.
	if _, err := client.SetTopics(ctx, []string{"robot.imu", "robot.odom"}); err != nil {
		t.Fatalf("set topics: %v", err)
	}
	waitLoaded(t, p)
	if n := cachedMessages(t, p); n != imuCount+imuCount/4 {
		t.Errorf("cached %d messages, want %d", n, imuCount+imuCount/4)
	}

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Initialized || st.Name != "robot" || st.LastError != "" {
		t.Errorf("unexpected status %+v", st)
	}
}

// TestIntegration_FileRecordingRestart plays a recording, restarts the player
// against the same metadata store, and checks the session carries over.
func TestIntegration_FileRecordingRestart(t *testing.T) {
	tmpDir := t.TempDir()
	logger := zap.NewNop()

	var events []types.MessageEvent
	for sec := int64(0); sec < 30; sec++ {
		events = append(events, types.MessageEvent{
			Topic:       "/camera",
			SchemaName:  "sensor/Image",
			ReceiveTime: types.NewTime(1700000000+sec, 0),
			PublishTime: types.NewTime(1700000000+sec, 0),
			Message:     make([]byte, 512),
		})
		if sec%3 == 0 {
			events = append(events, types.MessageEvent{
				Topic:       "/diag",
				SchemaName:  "diag/Status",
				ReceiveTime: types.NewTime(1700000000+sec, 500),
				PublishTime: types.NewTime(1700000000+sec, 500),
				Message:     []byte("ok"),
			})
		}
	}

	path := filepath.Join(tmpDir, "drive.mcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := file.WriteMessages(f, events, nil); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	f.Close()

	loaderCfg := config.LoaderConfig{
		MaxBlocks:        6,
		MinBlockDuration: config.Duration(time.Second),
		CacheSize:        config.ByteSize(8 * 1024 * 1024),
	}
	newPlayer := func(store meta.Store) *player.Player {
		return player.New(player.Config{
			Source: file.NewSource(path, logger),
			Name:   "drive",
			Loader: loaderCfg,
			Meta:   store,
			Logger: logger,
		})
	}

	store := newMetaStore(t, tmpDir)
	first := newPlayer(store)
	stop := runPlayer(t, first)

	ctx := context.Background()
	if err := first.SetTopics(ctx, []string{"/camera"}); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Seek(ctx, types.NewTime(1700000020, 0)); err != nil {
		t.Fatal(err)
	}
	waitLoaded(t, first)
	if n := cachedMessages(t, first); n != 30 {
		t.Errorf("cached %d messages, want 30", n)
	}
	stop()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen the store as a fresh process would.
	store = newMetaStore(t, tmpDir)
	defer store.Close()
	second := newPlayer(store)
	runPlayer(t, second)

	topics, err := second.Topics()
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 1 || topics[0] != "/camera" {
		t.Errorf("restored topics = %v, want [/camera]", topics)
	}
	st := waitLoaded(t, second)
	if st.LastSeek != types.NewTime(1700000020, 0) {
		t.Errorf("restored seek = %s", st.LastSeek)
	}

	backfill, err := second.Backfill(ctx, types.NewTime(1700000010, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(backfill) != 1 || backfill[0].ReceiveTime != types.NewTime(1700000010, 0) {
		t.Errorf("unexpected backfill %+v", backfill)
	}
}

// TestStress_ConcurrentSeeks hammers a player with seeks and reads from many
// goroutines and checks it settles fully loaded without errors.
func TestStress_ConcurrentSeeks(t *testing.T) {
	src := memory.NewSource(zap.NewNop())
	const seconds = 200
	for ms := int64(0); ms < seconds*1000; ms += 50 {
		src.Add(types.MessageEvent{
			Topic:       "/lidar",
			ReceiveTime: types.FromNanoSec(ms * int64(time.Millisecond)),
			Message:     make([]byte, 64),
		})
	}

	p := player.New(player.Config{
		Source: src,
		Name:   "stress",
		Loader: config.LoaderConfig{
			MaxBlocks:        50,
			MinBlockDuration: config.Duration(100 * time.Millisecond),
			CacheSize:        config.ByteSize(64 * 1024 * 1024),
		},
	})
	runPlayer(t, p)

	ctx := context.Background()
	if err := p.SetTopics(ctx, []string{"/lidar"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				if _, err := p.Seek(ctx, types.NewTime(rng.Int63n(seconds), 0)); err != nil {
					t.Errorf("seek: %v", err)
					return
				}
				if _, err := p.Progress(); err != nil && !errors.Is(err, player.ErrNotInitialized) {
					t.Errorf("progress: %v", err)
					return
				}
				p.Status()
			}
		}(int64(w))
	}
	wg.Wait()

	st := waitLoaded(t, p)
	if st.LastError != "" {
		t.Errorf("load error after concurrent seeks: %s", st.LastError)
	}
	if n := cachedMessages(t, p); n != seconds*20 {
		t.Errorf("cached %d messages, want %d", n, seconds*20)
	}
}
