package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/examprep/backend/internal/evaluation"
	"github.com/examprep/backend/internal/ingestion"
	"github.com/examprep/backend/internal/retrieval"
	"github.com/examprep/backend/internal/storage/models"
)

type Ingester interface {
	Ingest(ctx context.Context, data []byte, meta models.DocumentMeta) (ingestion.Result, error)
}

type Fetcher interface {
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
	PDFLinks(ctx context.Context, pageURL string) ([]string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
}

// Services is what the commands need from the application.
type Services struct {
	Ingester  Ingester
	Fetcher   Fetcher
	Retriever Retriever
	Close     func() error
}

type opener func(ctx context.Context) (*Services, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "ingest",
		Short:         "Exam document ingestion and retrieval tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newIngestCmd(open), newURLCmd(open), newRetrieveCmd(open), newEvaluateCmd(open))
	return root
}

// metaFlags are the document metadata flags shared by the ingest commands.
type metaFlags struct {
	subject string
	level   string
	docType string
	year    string
}

func (m *metaFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.subject, "subject", "", "document subject (required)")
	cmd.Flags().StringVar(&m.level, "level", "", "qualification level (required)")
	cmd.Flags().StringVar(&m.docType, "type", "", "paper, markscheme or textbook (required)")
	cmd.Flags().StringVar(&m.year, "year", "", "exam year")
	for _, name := range []string{"subject", "level", "type"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (m *metaFlags) parse(filename string) (models.DocumentMeta, error) {
	return models.ParseDocumentMeta(filename, m.subject, m.level, m.year, m.docType)
}

// ingestAll runs load for every source and prints one line per outcome.
func ingestAll(cmd *cobra.Command, ing Ingester, sources []string, load func(ctx context.Context, src string) ([]byte, string, error), flags *metaFlags) error {
	ctx := cmd.Context()
	failed := 0
	for _, src := range sources {
		res, err := ingestOne(ctx, ing, src, load, flags)
		if err != nil {
			failed++
			cmd.PrintErrf("FAIL %s: %v\n", src, err)
			continue
		}

		note := ""
		if res.Replaced {
			note = " (replaced)"
		}
		cmd.Printf("ok   %s: %d chunks%s\n", src, res.ChunkCount, note)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(sources))
	}
	return nil
}

func ingestOne(ctx context.Context, ing Ingester, src string, load func(ctx context.Context, src string) ([]byte, string, error), flags *metaFlags) (ingestion.Result, error) {
	data, filename, err := load(ctx, src)
	if err != nil {
		return ingestion.Result{}, err
	}

	meta, err := flags.parse(filename)
	if err != nil {
		return ingestion.Result{}, err
	}

	return ing.Ingest(ctx, data, meta)
}

func readFile(_ context.Context, path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	return data, filepath.Base(path), nil
}

func newIngestCmd(open opener) *cobra.Command {
	var (
		flags metaFlags
		exts  []string
	)

	cmd := &cobra.Command{
		Use:   "documents [path...]",
		Short: "Ingest files or directories of exam documents",
		Long: `Ingests each file, and every file under each directory whose extension
matches --ext. A document already stored under the same filename, subject,
level and type is replaced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args, exts)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("no matching documents found")
			}

			svc, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			return ingestAll(cmd, svc.Ingester, files, readFile, &flags)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringSliceVar(&exts, "ext", []string{".pdf"}, "file extensions to pick up from directories")

	return cmd
}

func newURLCmd(open opener) *cobra.Command {
	var (
		flags       metaFlags
		followLinks bool
	)

	cmd := &cobra.Command{
		Use:   "url [url...]",
		Short: "Download and ingest exam documents",
		Long: `Downloads each URL and ingests it under the filename taken from the URL
path. With --follow-links every argument is treated as a listing page and
each PDF it links to is ingested instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if svc.Fetcher == nil {
				return errors.New("document fetching is not configured")
			}

			urls := args
			if followLinks {
				urls = nil
				for _, page := range args {
					links, err := svc.Fetcher.PDFLinks(ctx, page)
					if err != nil {
						return err
					}
					urls = append(urls, links...)
				}
				if len(urls) == 0 {
					return errors.New("no PDF links found")
				}
			}

			return ingestAll(cmd, svc.Ingester, urls, svc.Fetcher.Download, &flags)
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&followLinks, "follow-links", false, "ingest the PDFs linked from each page")

	return cmd
}

// collectFiles expands directories into the files below them with a
// matching extension. Explicit file arguments are always kept.
func collectFiles(paths, exts []string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		want[ext] = true
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if want[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}
	return files, nil
}

func newRetrieveCmd(open opener) *cobra.Command {
	var (
		subject string
		level   string
		docType string
		year    int
		topK    int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Print the retrieval context for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := retrieval.Request{
				Query:   args[0],
				Subject: models.Subject(subject),
				Level:   models.Level(level),
				Type:    models.DocType(docType),
				TopK:    topK,
			}
			if cmd.Flags().Changed("year") {
				req.Year = &year
			}

			ctx := cmd.Context()
			svc, err := open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Retriever.Retrieve(ctx, req)
			if err != nil {
				return fmt.Errorf("retrieval failed: %w", err)
			}

			if asJSON {
				data, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal result: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Printf("source: %s, chunks: %d\n\n", res.Source, len(res.Matches))
			if res.Context == "" {
				cmd.Println("No context found.")
				return nil
			}
			cmd.Println(res.Context)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject filter (required)")
	cmd.Flags().StringVar(&level, "level", "", "level filter")
	cmd.Flags().StringVar(&docType, "type", "", "document type filter (default markscheme)")
	cmd.Flags().IntVar(&year, "year", 0, "exam year filter")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of chunks (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the full result as JSON")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newEvaluateCmd(open opener) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "evaluate [dataset.json]",
		Short: "Measure retrieval hit rate against a labelled query set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			dataset, err := evaluation.LoadDataset(f)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := open(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := evaluation.NewEvaluator(svc.Retriever).RunDatasetEvaluation(ctx, dataset)
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal report: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Print(evaluation.GenerateReport(report))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output the report as JSON")
	return cmd
}
