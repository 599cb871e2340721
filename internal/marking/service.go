package marking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/examprep/backend/internal/llm"
	"github.com/examprep/backend/internal/retrieval"
	"github.com/examprep/backend/internal/storage/models"
	"github.com/examprep/backend/pkg/logger"
)

// NoContextNote replaces the mark scheme section when retrieval found nothing.
const NoContextNote = "No specific mark scheme context found. Mark using general knowledge of the syllabus."

var ErrInvalidRequest = errors.New("invalid marking request")

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
}

type Request struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Subject  models.Subject `json:"subject"`
	Level    models.Level   `json:"level"`
	Year     *int           `json:"year,omitempty"`
	MaxMarks int            `json:"max_marks,omitempty"`
}

type Feedback struct {
	Feedback      string           `json:"feedback"`
	ContextSource retrieval.Source `json:"context_source"`
	ContextChunks int              `json:"context_chunks"`
	Usage         llm.Usage        `json:"usage"`
}

type Service struct {
	retriever Retriever
	completer llm.Completer
}

func NewService(retriever Retriever, completer llm.Completer) *Service {
	return &Service{retriever: retriever, completer: completer}
}

// Mark retrieves mark scheme context for the question and asks the
// completion model for feedback on the answer.
func (s *Service) Mark(ctx context.Context, req Request) (*Feedback, error) {
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
		return nil, fmt.Errorf("%w: question and answer are required", ErrInvalidRequest)
	}

	res, err := s.retriever.Retrieve(ctx, retrieval.Request{
		Query:   req.Question,
		Subject: req.Subject,
		Level:   req.Level,
		Type:    models.DocTypeMarkscheme,
		Year:    req.Year,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidRequest) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}

	system, user := BuildPrompt(req, res.Context)
	resp, err := s.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate feedback: %w", err)
	}

	logger.Info("Answer marked",
		zap.String("subject", string(req.Subject)),
		zap.String("level", string(req.Level)),
		zap.String("context_source", string(res.Source)),
		zap.Int("feedback_length", len(resp.Content)),
	)

	return &Feedback{
		Feedback:      resp.Content,
		ContextSource: res.Source,
		ContextChunks: len(res.Matches),
		Usage:         resp.Usage,
	}, nil
}

// BuildPrompt returns the system and user prompts for one answer.
func BuildPrompt(req Request, markScheme string) (string, string) {
	level := string(req.Level)
	if level == "" {
		level = "secondary school"
	}

	system := fmt.Sprintf(`You are an experienced %s %s examiner.
Mark the student's answer strictly against the mark scheme when one is provided.
Award marks using the scheme's notation (M for method, A for accuracy, B for independent marks).
Be encouraging but precise: state which marks were earned, which were lost, and why.`, level, req.Subject)

	if strings.TrimSpace(markScheme) == "" {
		markScheme = NoContextNote
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\n", strings.TrimSpace(req.Question))
	fmt.Fprintf(&b, "Student answer:\n%s\n\n", strings.TrimSpace(req.Answer))
	if req.MaxMarks > 0 {
		fmt.Fprintf(&b, "Maximum marks: %d\n\n", req.MaxMarks)
	}
	fmt.Fprintf(&b, "Mark scheme context:\n%s\n\n", markScheme)
	b.WriteString("Give the mark awarded, then feedback explaining how to gain any missing marks.")

	return system, b.String()
}
