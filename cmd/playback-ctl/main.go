package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/playback-loader/internal/types"
	"github.com/gftdcojp/playback-loader/pkg/playback"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var version = "dev"

// controller is the part of the API both transports serve.
type controller interface {
	Status(ctx context.Context) (*playback.Status, error)
	Progress(ctx context.Context) (*playback.Progress, error)
	Seek(ctx context.Context, t playback.Time) (playback.Time, error)
	Topics(ctx context.Context) (*playback.TopicsResponse, error)
	SetTopics(ctx context.Context, topics []string) (*playback.TopicsResponse, error)
}

type globalFlags struct {
	addr          string
	natsURL       string
	subjectPrefix string
	timeout       time.Duration
	output        string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "playback-ctl",
		Short:         "Playback loader management CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", "http://localhost:8080", "playback-loader API address")
	root.PersistentFlags().StringVar(&g.natsURL, "nats-url", "", "use the NATS responder at this URL instead of HTTP where supported")
	root.PersistentFlags().StringVar(&g.subjectPrefix, "subject-prefix", "playback", "NATS responder subject prefix")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newVersionCommand(),
		newStatusCommand(g),
		newProgressCommand(g),
		newSeekCommand(g),
		newTopicsCommand(g),
		newBlocksCommand(g),
		newBlockCommand(g),
		newBackfillCommand(g),
		newProblemsCommand(g),
		newUploadCommand(g),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "playback-ctl %s\n", version)
		},
	}
}

// withController runs fn against the NATS responder when --nats-url is
// set, otherwise against the HTTP API.
func (g *globalFlags) withController(cmd *cobra.Command, fn func(ctx context.Context, c controller) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	if g.natsURL == "" {
		return fn(ctx, playback.NewHTTPClient(g.addr, nil))
	}

	nc, err := nats.Connect(g.natsURL, nats.Name("playback-ctl"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	client, err := playback.New(playback.Config{NC: nc, SubjectPrefix: g.subjectPrefix, Timeout: g.timeout})
	if err != nil {
		return err
	}
	return fn(ctx, client)
}

// withHTTP runs fn against the HTTP API. Commands that only exist there
// ignore --nats-url.
func (g *globalFlags) withHTTP(cmd *cobra.Command, fn func(ctx context.Context, c *playback.HTTPClient) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	return fn(ctx, playback.NewHTTPClient(g.addr, nil))
}

func (g *globalFlags) jsonOutput() bool { return g.output == "json" }

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts an RFC 3339 timestamp or a Go duration since the epoch
// such as "12.5s".
func parseTime(s string) (playback.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		tt := types.FromTime(t)
		return playback.Time{Sec: tt.Sec, Nsec: tt.Nsec}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return playback.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or a duration like 12.5s", s)
	}
	tt := types.FromDuration(d)
	return playback.Time{Sec: tt.Sec, Nsec: tt.Nsec}, nil
}

func formatTime(t playback.Time) string {
	return types.NewTime(t.Sec, t.Nsec).String()
}
