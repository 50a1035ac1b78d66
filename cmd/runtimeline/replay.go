package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/runtimeline/pkg/redisstream"
	"github.com/go-go-golems/runtimeline/pkg/replay"
	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/transport/pubsub"
	"github.com/go-go-golems/runtimeline/pkg/ui"
)

type replayOptions struct {
	publish  bool
	interval time.Duration
	verbose  bool
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	o := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <script.yaml>",
		Short: "Play a scripted scenario through an in-process run view and print the result",
		Long: "Plays the script against an in-memory server and prints the final timeline.\n" +
			"With --publish the push and status steps are published to Redis Streams instead,\n" +
			"for a separate 'watch --redis' to follow.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := replay.LoadScript(args[0])
			if err != nil {
				return err
			}
			if o.publish {
				return publishScript(cmd, root, script, o.interval)
			}
			viewport, err := root.cfg.ViewportClass()
			if err != nil {
				return err
			}
			opts := replay.Options{Viewport: viewport}
			if o.verbose {
				opts.AfterStep = func(i int, _ replay.Step, view *timeline.RunView) {
					fmt.Fprintf(cmd.OutOrStdout(), "-- step %d: %d visible\n", i+1, len(view.Store().Visible()))
				}
			}
			res, err := replay.Run(cmd.Context(), script, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range res.Visible {
				fmt.Fprintln(out, ui.FormatEvent(e))
			}
			fmt.Fprintf(out, "# %s\n", ui.FormatSummary(res.Summary))
			fmt.Fprintf(out, "# %s selected=%s loaded=%d exhausted=%t\n",
				res.Selection.Mode, res.Selection.EventID, len(res.All), res.Exhausted)
			steps := make([]int, 0, len(res.StepErrors))
			for n := range res.StepErrors {
				steps = append(steps, n)
			}
			sort.Ints(steps)
			for _, n := range steps {
				fmt.Fprintf(cmd.ErrOrStderr(), "step %d failed: %s\n", n, res.StepErrors[n])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&o.publish, "publish", false, "Publish to Redis Streams instead of replaying in-process")
	cmd.Flags().DurationVar(&o.interval, "interval", 500*time.Millisecond, "Pause between published steps")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "Print the view size after every step")
	return cmd
}

func publishScript(cmd *cobra.Command, root *rootOptions, script *replay.Script, interval time.Duration) error {
	client := redisstream.NewClient(root.cfg.Redis)
	defer func() { _ = client.Close() }()
	pub, err := redisstream.BuildPublisher(client)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()
	sent, err := replay.Publish(cmd.Context(), script, pubsub.NewPublisher(pub), interval)
	fmt.Fprintf(cmd.OutOrStdout(), "published %d frames for run %s\n", sent, script.Run)
	return err
}
