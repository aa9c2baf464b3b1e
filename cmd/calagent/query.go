package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fitsched/calagent/pkg/agent"
)

func newQueryCmd() *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one query against the calendar agent and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return errors.New("query text is required")
			}

			log := newLogger()
			rt, err := buildRuntime(log)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()

			if !stream {
				result, err := rt.Query(ctx, query)
				if err != nil {
					return err
				}
				fmt.Println(result.Answer)
				if result.Slot != nil {
					out, err := json.MarshalIndent(result.Slot, "", "  ")
					if err == nil {
						fmt.Println(string(out))
					}
				}
				return nil
			}

			events, err := rt.QueryStream(ctx, query)
			if err != nil {
				return err
			}
			var final string
			for ev := range events {
				switch ev.Type {
				case agent.EventToolResult:
					fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Tool, ev.Text)
				case agent.EventAssistant:
					fmt.Println(ev.Text)
				case agent.EventDone:
					if ev.Err != nil {
						return ev.Err
					}
					final = ev.Text
				}
			}
			if slot := rt.SlotFor(ctx, query, final); slot != nil {
				out, err := json.MarshalIndent(slot, "", "  ")
				if err == nil {
					fmt.Println(string(out))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "Print agent events as they happen")
	return cmd
}
