package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mindbook/mindbook-go/internal/jobs"
	"github.com/mindbook/mindbook-go/internal/logging"
)

// NewStatusCmd constructs the `mindbook status` command, which reports the
// documents in a project and, optionally, the state of a background job.
func NewStatusCmd() *cobra.Command {
	var projectID string
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show document and job status for a project",
		Long: `Show the documents in a project workspace and their ingestion state.

With --job, show the state of a single background job instead.

Examples:
  mindbook status --project research
  mindbook status --job 2f1c9a70-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			ds, err := openDocstore()
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer func() { _ = ds.Close() }()

			if jobID != "" {
				jobStore, err := jobs.NewStore(ds.Handle())
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				job, err := jobStore.Get(ctx, jobID)
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				fmt.Printf("job %s\n  kind:     %s\n  state:    %s\n  attempts: %d\n", job.ID, job.Kind, job.State, job.Attempts)
				if job.LastError != "" {
					fmt.Printf("  error:    %s\n", job.LastError)
				}
				return nil
			}

			docs, err := ds.ListDocuments(ctx, projectID)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if len(docs) == 0 {
				fmt.Printf("no documents in project %q\n", projectID)
				return nil
			}

			fmt.Printf("project %q: %d document(s)\n", projectID, len(docs))
			for _, doc := range docs {
				line := fmt.Sprintf("  %s  v%d  %-10s  %s", doc.ID, doc.Version, doc.Status, doc.SourceRef)
				if doc.Failure != "" {
					line += "  (" + doc.Failure + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "P", "default", "Project workspace to inspect")
	cmd.Flags().StringVar(&jobID, "job", "", "Show the state of a single job by ID")

	return cmd
}
