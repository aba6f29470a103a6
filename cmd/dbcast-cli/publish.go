package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var (
		table    string
		action   string
		recordID string
		record   string
		file     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a change event",
		Long: `Publish a change event through POST /api/events. Build it from flags,
or pass a complete event as JSON with --file (use - for stdin). The token
must carry the publisher or admin flag.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}

			body, err := buildEvent(cmd.InOrStdin(), file, table, action, recordID, record)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := client.PublishEvent(ctx, body)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Event published to %d channels\n", resp.EventsPublished)
			for _, ch := range resp.Channels {
				fmt.Fprintf(out, "  %s\n", ch)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Table name")
	cmd.Flags().StringVar(&action, "action", "", "Action (insert, update, delete)")
	cmd.Flags().StringVar(&recordID, "id", "", "Record id")
	cmd.Flags().StringVar(&record, "record", "", "Record as a JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the whole event from a file (- for stdin)")

	return cmd
}

// buildEvent assembles the request body. Validation is left to the server
// so the CLI reports exactly what the server rejects.
func buildEvent(stdin io.Reader, file, table, action, recordID, record string) ([]byte, error) {
	if file != "" {
		var r io.Reader = stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return nil, fmt.Errorf("open event file: %w", err)
			}
			defer f.Close()
			r = f
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		return data, nil
	}

	event := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"table":     table,
		"action":    action,
	}

	var rec map[string]any
	if record != "" {
		if err := json.Unmarshal([]byte(record), &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON record: %w", err)
		}
	}
	if recordID != "" {
		id, err := strconv.ParseUint(recordID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid record id %q: %w", recordID, err)
		}
		if rec == nil {
			rec = map[string]any{}
		}
		rec["id"] = id
	}
	if rec != nil {
		event["record"] = rec
	}

	return json.Marshal(event)
}
