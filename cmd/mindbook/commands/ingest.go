package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/embedder"
	"github.com/mindbook/mindbook-go/internal/ingestion"
	"github.com/mindbook/mindbook-go/internal/logging"
	"github.com/mindbook/mindbook-go/internal/objstore"
)

// NewIngestCmd constructs the `mindbook ingest` command, which uploads one or
// more files into a project and runs the ingestion pipeline synchronously.
func NewIngestCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "ingest <file> [file...]",
		Short: "Upload files into a project and make them searchable",
		Long: `Upload one or more files into a project workspace.

Each file is stored, extracted, chunked, embedded, and committed as a new
document version. Re-ingesting an unchanged file is a no-op.

Examples:
  mindbook ingest --project research notes.md
  mindbook ingest --project research paper.pdf appendix.docx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("ingest: failed to initialise embedder: %w", err)
			}

			ds, err := openDocstore()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = ds.Close() }()

			storage, err := openObjectStorage()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			index, err := buildIndex(ctx, ds, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = index.Close() }()

			pipeline, err := ingestion.NewPipeline(ds, storage, emb, index, ingestion.ConfigFromEnv())
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			for _, path := range args {
				if err := ingestFile(ctx, pipeline, ds, storage, projectID, path); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "P", "default", "Project workspace to ingest into")

	return cmd
}

// ingestFile uploads one file and runs the pipeline on the resulting document.
func ingestFile(ctx context.Context, pipeline *ingestion.Pipeline, ds *docstore.Store, storage *objstore.FileStorage, projectID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	ref := filepath.Join(projectID, filepath.Base(path))
	if err := storage.Put(ctx, ref, f); err != nil {
		return fmt.Errorf("ingest: store %s: %w", path, err)
	}

	// Reuse the existing document for this source so re-ingesting a file
	// versions it instead of registering a duplicate.
	doc, err := findBySourceRef(ctx, ds, projectID, ref)
	if err != nil {
		return fmt.Errorf("ingest: lookup %s: %w", path, err)
	}
	if doc == nil {
		doc, err = ds.CreateDocument(ctx, projectID, ref, ingestion.MediaTypeFromPath(path))
		if err != nil {
			return fmt.Errorf("ingest: register %s: %w", path, err)
		}
	}

	if err := pipeline.IngestDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("ingest: process %s: %w", path, err)
	}

	updated, err := ds.Document(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("ingest: reload %s: %w", path, err)
	}
	fmt.Printf("%s  document=%s  version=%d  status=%s\n", path, updated.ID, updated.Version, updated.Status)
	return nil
}

// findBySourceRef returns the project's document with the given source ref,
// or nil if none exists yet.
func findBySourceRef(ctx context.Context, ds *docstore.Store, projectID, ref string) (*docstore.Document, error) {
	docs, err := ds.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].SourceRef == ref {
			return &docs[i], nil
		}
	}
	return nil, nil
}
