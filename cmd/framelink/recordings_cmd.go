package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/framelink/framelink-sdk-go/pkg/session"
)

var shareExpiry time.Duration

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Inspect and manage persisted recordings",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recordings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openArtifactStore()
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no recordings stored")
			return nil
		}
		fmt.Printf("%-38s %-7s %-28s %10s %10s  %s\n",
			"ID", "KIND", "FILENAME", "SIZE", "DURATION", "CREATED")
		for _, a := range list {
			fmt.Printf("%-38s %-7s %-28s %10d %10s  %s\n",
				a.ID, a.Kind, a.Filename, a.SizeBytes,
				a.Duration.Round(time.Millisecond),
				a.CreatedAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openArtifactStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var recordingsShareCmd = &cobra.Command{
	Use:   "share <id>",
	Short: "Upload a recording and print a presigned link",
	Long: `Uploads the recording blob to the configured S3-compatible bucket and
prints a presigned download link. Requires FRAMELINK_S3_ENDPOINT and
FRAMELINK_S3_BUCKET to be set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		exporter := newExporter(logger)
		if exporter == nil {
			return fmt.Errorf("no export target configured, set FRAMELINK_S3_ENDPOINT and FRAMELINK_S3_BUCKET")
		}

		store, err := openArtifactStore()
		if err != nil {
			return err
		}
		defer store.Close()

		artifact, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		url, err := exporter.Share(ctx, artifact, shareExpiry)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	},
}

func init() {
	recordingsShareCmd.Flags().DurationVar(&shareExpiry, "expiry", session.DefaultShareExpiry,
		"lifetime of the presigned link, capped at 7 days")
	recordingsCmd.AddCommand(recordingsListCmd, recordingsDeleteCmd, recordingsShareCmd)
}
