package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gftdcojp/playback-loader/internal/blob"
	"github.com/gftdcojp/playback-loader/internal/config"
	"github.com/gftdcojp/playback-loader/pkg/playback"
	"github.com/gftdcojp/playback-loader/pkg/s3util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStatusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show source and loader status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withController(cmd, func(ctx context.Context, c controller) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, st)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Name:\t%s\n", st.Name)
				fmt.Fprintf(w, "Initialized:\t%t\n", st.Initialized)
				fmt.Fprintf(w, "Range:\t%s .. %s\n", formatTime(st.Start), formatTime(st.End))
				fmt.Fprintf(w, "Topics:\t%s\n", strings.Join(st.Topics, ", "))
				fmt.Fprintf(w, "Last seek:\t%s\n", formatTime(st.LastSeek))
				fmt.Fprintf(w, "Loading:\t%t\n", st.Loading)
				fmt.Fprintf(w, "Loaded:\t%.1f%%\n", st.LoadedFraction*100)
				fmt.Fprintf(w, "Cache:\t%d bytes in %d blocks\n", st.CacheBytes, st.BlockCount)
				if st.LastError != "" {
					fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
				}
				return w.Flush()
			})
		},
	}
}

func newProgressCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show loaded ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withController(cmd, func(ctx context.Context, c controller) error {
				p, err := c.Progress(ctx)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, p)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "START\tEND")
				for _, r := range p.FullyLoadedFractionRanges {
					fmt.Fprintf(w, "%.4f\t%.4f\n", r.Start, r.End)
				}
				fmt.Fprintf(w, "\nloaded %.1f%%, %d bytes cached\n", p.LoadedFraction*100, p.CacheBytes)
				return w.Flush()
			})
		},
	}
}

func newSeekCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seek <time>",
		Short: "Load blocks around a time (RFC 3339 or duration since epoch)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime(args[0])
			if err != nil {
				return err
			}
			return g.withController(cmd, func(ctx context.Context, c controller) error {
				got, err := c.Seek(ctx, t)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, playback.SeekResponse{Time: got})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeking to %s\n", formatTime(got))
				return nil
			})
		},
	}
}

func newTopicsCommand(g *globalFlags) *cobra.Command {
	topics := &cobra.Command{
		Use:   "topics",
		Short: "Show subscribed and available topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withController(cmd, func(ctx context.Context, c controller) error {
				resp, err := c.Topics(ctx)
				if err != nil {
					return err
				}
				return printTopics(cmd, g, resp)
			})
		},
	}
	topics.AddCommand(&cobra.Command{
		Use:   "set [topic...]",
		Short: "Replace the subscribed topics; no arguments clears them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withController(cmd, func(ctx context.Context, c controller) error {
				resp, err := c.SetTopics(ctx, args)
				if err != nil {
					return err
				}
				return printTopics(cmd, g, resp)
			})
		},
	})
	return topics
}

func printTopics(cmd *cobra.Command, g *globalFlags, resp *playback.TopicsResponse) error {
	if g.jsonOutput() {
		return printJSON(cmd, resp)
	}
	subscribed := make(map[string]bool, len(resp.Topics))
	for _, t := range resp.Topics {
		subscribed[t] = true
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tSCHEMA\tMESSAGES\tSUBSCRIBED")
	for _, t := range resp.Available {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", t.Name, t.SchemaName, t.NumMessages, subscribed[t.Name])
	}
	return w.Flush()
}

func newBlocksCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List cache blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withHTTP(cmd, func(ctx context.Context, c *playback.HTTPClient) error {
				blocks, err := c.Blocks(ctx)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, blocks)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTART\tLOADED\tMESSAGES\tSIZE\tTOPICS")
				for _, b := range blocks {
					fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%d\t%s\n",
						b.ID, formatTime(b.Start), b.Loaded, b.MessageCount, b.SizeBytes, strings.Join(b.Topics, ","))
				}
				return w.Flush()
			})
		},
	}
}

func newBlockCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "block <id>",
		Short: "Show the messages cached in one block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid block id %q", args[0])
			}
			return g.withHTTP(cmd, func(ctx context.Context, c *playback.HTTPClient) error {
				blk, err := c.Block(ctx, id)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, blk)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TOPIC\tRECEIVE TIME\tSIZE")
				for topic, msgs := range blk.MessagesByTopic {
					for _, m := range msgs {
						fmt.Fprintf(w, "%s\t%s\t%d\n", topic, formatTime(m.ReceiveTime), m.SizeInBytes)
					}
				}
				return w.Flush()
			})
		},
	}
}

func newBackfillCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <time>",
		Short: "Show the latest message per subscribed topic at or before a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime(args[0])
			if err != nil {
				return err
			}
			return g.withHTTP(cmd, func(ctx context.Context, c *playback.HTTPClient) error {
				msgs, err := c.Backfill(ctx, t)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, msgs)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TOPIC\tRECEIVE TIME\tSIZE")
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%d\n", m.Topic, formatTime(m.ReceiveTime), m.SizeInBytes)
				}
				return w.Flush()
			})
		},
	}
}

func newProblemsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "problems",
		Short: "List recorded source problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withHTTP(cmd, func(ctx context.Context, c *playback.HTTPClient) error {
				problems, err := c.Problems(ctx)
				if err != nil {
					return err
				}
				if g.jsonOutput() {
					return printJSON(cmd, problems)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSEVERITY\tLAST SEEN\tMESSAGE")
				for _, p := range problems {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Severity, p.LastSeen.Format("2006-01-02T15:04:05Z07:00"), p.Message)
				}
				return w.Flush()
			})
		},
	}
}

func newUploadCommand(g *globalFlags) *cobra.Command {
	var cfg config.BlobSourceConfig
	cmd := &cobra.Command{
		Use:   "upload <file.mcap>",
		Short: "Upload a recording to object storage for blob playback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Bucket == "" {
				return fmt.Errorf("--bucket is required")
			}
			if cfg.Key == "" {
				cfg.Key = args[0]
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			client, err := s3util.NewClient(ctx, cfg)
			if err != nil {
				return err
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := blob.Upload(ctx, client.S3, client.Bucket, client.Key, f, logger.Named("upload")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to s3://%s/%s\n", args[0], client.Bucket, client.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Bucket, "bucket", "", "destination bucket")
	cmd.Flags().StringVar(&cfg.Key, "key", "", "destination key (defaults to the file path)")
	cmd.Flags().StringVar(&cfg.Region, "region", "us-east-1", "S3 region")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "S3-compatible endpoint, e.g. a MinIO URL")
	cmd.Flags().BoolVar(&cfg.ForcePathStyle, "force-path-style", false, "use path-style addressing")
	cmd.Flags().StringVar(&cfg.AccessKeyID, "access-key-id", os.Getenv("AWS_ACCESS_KEY_ID"), "access key id")
	cmd.Flags().StringVar(&cfg.SecretAccessKey, "secret-access-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "secret access key")
	return cmd
}
