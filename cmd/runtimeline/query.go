package main

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown output format %q (json, yaml)", format)
	}
}

type eventsOptions struct {
	order    string
	cursor   string
	limit    int
	types    []string
	statuses []string
	output   string
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	o := &eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events <runId>",
		Short: "Fetch one page of a run's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(o.types, o.statuses)
			if err != nil {
				return err
			}
			var cursor *timeline.Cursor
			if o.cursor != "" {
				c, err := timeline.ParseCursor(o.cursor)
				if err != nil {
					return err
				}
				cursor = &c
			}
			order := timeline.Order(o.order)
			if order != timeline.OrderAsc && order != timeline.OrderDesc {
				return errors.Errorf("--order must be asc or desc, got %q", o.order)
			}
			limit := o.limit
			if limit <= 0 {
				limit = root.cfg.PageSize
			}
			client, err := newAPIClient(root.cfg)
			if err != nil {
				return err
			}
			page, err := client.ListEvents(cmd.Context(), args[0], filter.Query(cursor, limit, order))
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), o.output, page)
		},
	}
	cmd.Flags().StringVar(&o.order, "order", string(timeline.OrderAsc), "Page order (asc, desc)")
	cmd.Flags().StringVar(&o.cursor, "cursor", "", "Exclusive boundary as 'ts|id'")
	cmd.Flags().IntVar(&o.limit, "limit", 0, "Page size (default: configured page size)")
	cmd.Flags().StringSliceVar(&o.types, "types", nil, "Only these event types")
	cmd.Flags().StringSliceVar(&o.statuses, "statuses", nil, "Only these event statuses")
	cmd.Flags().StringVarP(&o.output, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}

func newSummaryCommand(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "summary <runId>",
		Short: "Show a run's aggregate summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(root.cfg)
			if err != nil {
				return err
			}
			s, err := client.GetSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, s)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}

func newTerminateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <runId>",
		Short: "Ask the server to terminate a run and show the resulting summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(root.cfg)
			if err != nil {
				return err
			}
			summary := timeline.NewSummarySync(args[0], client)
			termErr := summary.Terminate(cmd.Context())
			if s, ok := summary.Summary(); ok {
				if err := writeOutput(cmd.OutOrStdout(), "yaml", s); err != nil {
					return err
				}
			}
			return termErr
		},
	}
}
