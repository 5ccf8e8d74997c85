package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/engine"
	dochttp "github.com/fyrsmithlabs/docqa/internal/http"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

func newServeCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := dochttp.NewServer(a.engine, a.logger.Named("http").Underlying(), &dochttp.Config{
				Host:           a.cfg.Server.Host,
				Port:           a.cfg.Server.Port,
				MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
			})
			if err != nil {
				return fmt.Errorf("failed to create http server: %w", err)
			}
			return server.Run(cmd.Context(), a.cfg.Server.ShutdownTimeout.Duration())
		},
	}
}

func newIngestCmd(open opener) *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Register files as new document versions",
		Long: `Register each file as a version of the document <folder>/<basename>.
The file's modification time becomes the version's modified_at. Files whose
bytes are already registered are reported as unchanged.

Examples:
  docqa ingest --folder hr handbook.pdf leave-policy.docx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return ingestFiles(cmd, a.engine, folder, args)
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "folder path the documents belong to")
	return cmd
}

type ingester interface {
	Ingest(ctx context.Context, req engine.IngestRequest) (engine.IngestResult, error)
}

// ingestFiles registers every path and keeps going past per-file failures.
// Only an unusable embedding provider aborts the run.
func ingestFiles(cmd *cobra.Command, svc ingester, folder string, paths []string) error {
	out := cmd.OutOrStdout()
	var failed int
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", p, err)
			failed++
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", p, err)
			failed++
			continue
		}

		res, err := svc.Ingest(cmd.Context(), engine.IngestRequest{
			Key:        versionstore.DocumentKey{FolderPath: folder, Filename: filepath.Base(p)},
			Raw:        raw,
			ModifiedAt: info.ModTime(),
		})
		switch {
		case err != nil && isFatal(err):
			return err
		case err != nil:
			fmt.Fprintf(out, "FAIL %s: %v\n", p, err)
			failed++
		case res.IsNew:
			fmt.Fprintf(out, "NEW  %s v%d (%d chunks)\n", res.Record.Key, res.Record.VersionNumber, res.Record.ChunkCount)
		default:
			fmt.Fprintf(out, "SAME %s v%d\n", res.Record.Key, res.Record.VersionNumber)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

func newAskCmd(open opener) *cobra.Command {
	var (
		user       string
		newSession bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the latest active documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Query(cmd.Context(), engine.QueryRequest{
				Question:   strings.Join(args, " "),
				UserID:     user,
				NewSession: newSession,
			})
			if err != nil {
				return err
			}
			a.logger.Debug(cmd.Context(), "answered", zap.String("session_id", res.SessionID), zap.Duration("took", res.ResponseTime))
			return printAnswer(cmd.OutOrStdout(), res, asJSON)
		},
	}
	cmd.Flags().StringVar(&user, "user", defaultUser(), "user the conversation belongs to")
	cmd.Flags().BoolVar(&newSession, "new-session", false, "start a new conversation first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func printAnswer(w io.Writer, res engine.QueryResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(w, res.Answer)
	if len(res.Sources) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for _, s := range res.Sources {
			fmt.Fprintf(w, "  %s v%d (modified %s)\n", s.Key, s.VersionNumber, s.ModifiedAt.Format(time.DateOnly))
		}
	}
	return nil
}

func newVersionsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <folder> <filename>",
		Short: "List a document's versions, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.engine.Versions(cmd.Context(), versionstore.DocumentKey{FolderPath: args[0], Filename: args[1]})
			if err != nil {
				return err
			}
			return printVersions(cmd.OutOrStdout(), recs)
		},
	}
}

func printVersions(w io.Writer, recs []versionstore.VersionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tMODIFIED\tCHUNKS\tLATEST\tACTIVE\tHASH")
	for _, r := range recs {
		hash := r.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%t\t%s\n",
			r.VersionNumber, r.ModifiedAt.Format(time.RFC3339), r.ChunkCount, r.IsLatest, r.IsActive, hash)
	}
	return tw.Flush()
}

func newNewChatCmd(open opener) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "new-chat",
		Short: "End the user's active conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.engine.NewChat(cmd.Context(), user)
		},
	}
	cmd.Flags().StringVar(&user, "user", defaultUser(), "user whose conversation ends")
	return cmd
}

func isFatal(err error) bool {
	return errors.Is(err, embeddings.ErrEmbeddingUnavailable)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
