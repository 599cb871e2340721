package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/examprep/backend/internal/retrieval"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/pkg/logger"
)

const (
	ClassHit     = "hit"
	ClassPartial = "partial"
	ClassMiss    = "miss"
)

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
}

// Evaluator measures how often retrieval surfaces the chunk a query is
// known to need.
type Evaluator struct {
	retriever Retriever
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem is one labelled query. A returned chunk is relevant when it
// comes from ExpectedFilename and contains ExpectedText; either may be empty.
type DatasetItem struct {
	Query            string         `json:"query"`
	Subject          models.Subject `json:"subject"`
	Level            models.Level   `json:"level,omitempty"`
	Type             models.DocType `json:"type,omitempty"`
	Year             *int           `json:"year,omitempty"`
	ExpectedFilename string         `json:"expected_filename,omitempty"`
	ExpectedText     string         `json:"expected_text,omitempty"`
}

type ItemResult struct {
	Query          string           `json:"query"`
	Source         retrieval.Source `json:"source"`
	Rank           int              `json:"rank"`
	Classification string           `json:"classification"`
	TopSimilarity  float64          `json:"top_similarity"`
}

type Report struct {
	TotalQueries      int     `json:"total_queries"`
	Evaluated         int     `json:"evaluated"`
	HitCount          int     `json:"hits"`
	PartialCount      int     `json:"partials"`
	MissCount         int     `json:"misses"`
	FallbackCount     int     `json:"fallbacks"`
	MeanReciprocal    float64 `json:"mrr"`
	AvgTopSimilarity  float64 `json:"avg_top_similarity"`
	HitPercentage     float64 `json:"hit_percentage"`
	PartialPercentage float64 `json:"partial_percentage"`
	MissPercentage    float64 `json:"miss_percentage"`
}

func NewEvaluator(retriever Retriever) *Evaluator {
	return &Evaluator{retriever: retriever}
}

func (e *Evaluator) EvaluateQuery(ctx context.Context, item DatasetItem) (*ItemResult, error) {
	if item.ExpectedFilename == "" && item.ExpectedText == "" {
		return nil, errors.New("dataset item needs expected_filename or expected_text")
	}

	res, err := e.retriever.Retrieve(ctx, retrieval.Request{
		Query:   item.Query,
		Subject: item.Subject,
		Level:   item.Level,
		Type:    item.Type,
		Year:    item.Year,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve: %w", err)
	}

	result := &ItemResult{
		Query:          item.Query,
		Source:         res.Source,
		Classification: ClassMiss,
	}
	if len(res.Matches) > 0 {
		result.TopSimilarity = res.Matches[0].Similarity
	}

	for i, m := range res.Matches {
		if relevant(item, m) {
			result.Rank = i + 1
			break
		}
	}

	switch {
	case result.Rank == 1:
		result.Classification = ClassHit
	case result.Rank > 1:
		result.Classification = ClassPartial
	}

	logger.Debug("Query evaluated",
		zap.String("query", item.Query),
		zap.String("classification", result.Classification),
		zap.Int("rank", result.Rank),
	)

	return result, nil
}

func relevant(item DatasetItem, m models.RankedChunk) bool {
	if item.ExpectedFilename != "" && m.Filename != item.ExpectedFilename {
		return false
	}
	if item.ExpectedText != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(item.ExpectedText)) {
		return false
	}
	return true
}

// RunDatasetEvaluation evaluates every item. Items that fail are logged and
// left out of the averages.
func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		TotalQueries: len(dataset.Items),
	}

	var totalReciprocal, totalSimilarity float64

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.EvaluateQuery(ctx, item)
		if err != nil {
			logger.Error("Failed to evaluate query", zap.Int("index", i), zap.Error(err))
			continue
		}
		report.Evaluated++

		switch result.Classification {
		case ClassHit:
			report.HitCount++
		case ClassPartial:
			report.PartialCount++
		default:
			report.MissCount++
		}
		if result.Source == retrieval.SourceFallback {
			report.FallbackCount++
		}

		if result.Rank > 0 {
			totalReciprocal += 1 / float64(result.Rank)
		}
		totalSimilarity += result.TopSimilarity
	}

	if report.Evaluated > 0 {
		n := float64(report.Evaluated)
		report.MeanReciprocal = totalReciprocal / n
		report.AvgTopSimilarity = totalSimilarity / n
		report.HitPercentage = float64(report.HitCount) / n * 100
		report.PartialPercentage = float64(report.PartialCount) / n * 100
		report.MissPercentage = float64(report.MissCount) / n * 100
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("hits", report.HitCount),
		zap.Int("partials", report.PartialCount),
		zap.Int("misses", report.MissCount),
	)

	return report, nil
}

func LoadDataset(r io.Reader) (*Dataset, error) {
	var dataset Dataset
	if err := json.NewDecoder(r).Decode(&dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &dataset, nil
}

func GenerateReport(report *Report) string {
	return fmt.Sprintf(`
Retrieval Evaluation Report
===========================

Total Queries: %d (evaluated: %d)

Classifications:
- Hit at rank 1: %d (%.1f%%)
- Found below rank 1: %d (%.1f%%)
- Missed: %d (%.1f%%)

Answered by fallback: %d

Mean Reciprocal Rank: %.3f
Average Top Similarity: %.3f
`,
		report.TotalQueries, report.Evaluated,
		report.HitCount, report.HitPercentage,
		report.PartialCount, report.PartialPercentage,
		report.MissCount, report.MissPercentage,
		report.FallbackCount,
		report.MeanReciprocal,
		report.AvgTopSimilarity,
	)
}
