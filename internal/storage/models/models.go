package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidMetadata = errors.New("invalid document metadata")

type Subject string

const (
	SubjectMaths           Subject = "maths"
	SubjectPhysics         Subject = "physics"
	SubjectChemistry       Subject = "chemistry"
	SubjectBiology         Subject = "biology"
	SubjectEnglish         Subject = "english"
	SubjectHistory         Subject = "history"
	SubjectGeography       Subject = "geography"
	SubjectComputerScience Subject = "computer-science"
	SubjectEconomics       Subject = "economics"
)

var subjects = []Subject{
	SubjectMaths, SubjectPhysics, SubjectChemistry, SubjectBiology, SubjectEnglish,
	SubjectHistory, SubjectGeography, SubjectComputerScience, SubjectEconomics,
}

type Level string

const (
	LevelGCSE    Level = "gcse"
	LevelIGCSE   Level = "igcse"
	LevelASLevel Level = "as-level"
	LevelALevel  Level = "a-level"
)

var levels = []Level{LevelGCSE, LevelIGCSE, LevelASLevel, LevelALevel}

type DocType string

const (
	DocTypePaper      DocType = "paper"
	DocTypeMarkscheme DocType = "markscheme"
	DocTypeTextbook   DocType = "textbook"
)

var docTypes = []DocType{DocTypePaper, DocTypeMarkscheme, DocTypeTextbook}

const (
	MinYear = 1900
	MaxYear = 2100
)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	return strings.ReplaceAll(s, " ", "-")
}

func ParseSubject(s string) (Subject, error) {
	n := Subject(normalize(s))
	switch n {
	case "math", "mathematics":
		return SubjectMaths, nil
	case "cs", "computing":
		return SubjectComputerScience, nil
	}
	for _, v := range subjects {
		if v == n {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown subject %q", ErrInvalidMetadata, s)
}

func ParseLevel(s string) (Level, error) {
	n := Level(strings.ReplaceAll(normalize(s), "-level", "level"))
	switch n {
	case "gcse":
		return LevelGCSE, nil
	case "igcse":
		return LevelIGCSE, nil
	case "aslevel", "as":
		return LevelASLevel, nil
	case "alevel", "a2":
		return LevelALevel, nil
	}
	return "", fmt.Errorf("%w: unknown level %q", ErrInvalidMetadata, s)
}

func ParseDocType(s string) (DocType, error) {
	n := DocType(strings.ReplaceAll(normalize(s), "-", ""))
	switch n {
	case "paper", "pastpaper", "questionpaper":
		return DocTypePaper, nil
	case "markscheme", "ms":
		return DocTypeMarkscheme, nil
	case "textbook", "book":
		return DocTypeTextbook, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMetadata, s)
}

// ParseYear accepts an empty string as "no year".
func ParseYear(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%w: year %q is not a number", ErrInvalidMetadata, s)
	}
	if y < MinYear || y > MaxYear {
		return nil, fmt.Errorf("%w: year %d outside %d..%d", ErrInvalidMetadata, y, MinYear, MaxYear)
	}
	return &y, nil
}

func Subjects() []Subject { return append([]Subject(nil), subjects...) }
func Levels() []Level     { return append([]Level(nil), levels...) }
func DocTypes() []DocType { return append([]DocType(nil), docTypes...) }

// DocumentKey identifies a document for replace-on-reupload. Year is not
// part of the identity.
type DocumentKey struct {
	Filename string
	Subject  Subject
	Level    Level
	Type     DocType
}

func (k DocumentKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Subject, k.Level, k.Type, k.Filename)
}

type DocumentMeta struct {
	Filename string
	Subject  Subject
	Level    Level
	Year     *int
	Type     DocType
}

func (m DocumentMeta) Key() DocumentKey {
	return DocumentKey{Filename: m.Filename, Subject: m.Subject, Level: m.Level, Type: m.Type}
}

func (m DocumentMeta) Validate() error {
	if strings.TrimSpace(m.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidMetadata)
	}
	if _, err := ParseSubject(string(m.Subject)); err != nil {
		return err
	}
	if _, err := ParseLevel(string(m.Level)); err != nil {
		return err
	}
	if _, err := ParseDocType(string(m.Type)); err != nil {
		return err
	}
	if m.Year != nil && (*m.Year < MinYear || *m.Year > MaxYear) {
		return fmt.Errorf("%w: year %d outside %d..%d", ErrInvalidMetadata, *m.Year, MinYear, MaxYear)
	}
	return nil
}

// Normalized returns m with every enumeration in canonical form, or an
// error wrapping ErrInvalidMetadata.
func (m DocumentMeta) Normalized() (DocumentMeta, error) {
	var err error
	m.Filename = strings.TrimSpace(m.Filename)
	if m.Subject, err = ParseSubject(string(m.Subject)); err != nil {
		return m, err
	}
	if m.Level, err = ParseLevel(string(m.Level)); err != nil {
		return m, err
	}
	if m.Type, err = ParseDocType(string(m.Type)); err != nil {
		return m, err
	}
	return m, m.Validate()
}

// ParseDocumentMeta validates free-form form fields into a DocumentMeta.
func ParseDocumentMeta(filename, subject, level, year, docType string) (DocumentMeta, error) {
	var meta DocumentMeta
	var err error

	meta.Filename = strings.TrimSpace(filename)
	if meta.Filename == "" {
		return meta, fmt.Errorf("%w: filename is required", ErrInvalidMetadata)
	}
	if meta.Subject, err = ParseSubject(subject); err != nil {
		return meta, err
	}
	if meta.Level, err = ParseLevel(level); err != nil {
		return meta, err
	}
	if meta.Type, err = ParseDocType(docType); err != nil {
		return meta, err
	}
	if meta.Year, err = ParseYear(year); err != nil {
		return meta, err
	}
	return meta, nil
}

// ChunkRow is one stored chunk with its metadata denormalized from the document.
type ChunkRow struct {
	ID        string
	Content   string
	Embedding []float32
	Subject   Subject
	Level     Level
	Year      *int
	Type      DocType
	Filename  string
}

type RankedChunk struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Subject    Subject `json:"subject"`
	Level      Level   `json:"level"`
	Year       *int    `json:"year,omitempty"`
	Type       DocType `json:"type"`
	Filename   string  `json:"filename"`
}

// Filter restricts search and fetch. Zero values mean "any".
type Filter struct {
	Subject Subject
	Level   Level
	Type    DocType
	Year    *int
}

type IngestionStatus string

const (
	IngestionRunning IngestionStatus = "running"
	IngestionDone    IngestionStatus = "done"
	IngestionFailed  IngestionStatus = "failed"
)

type IngestionRecord struct {
	ID         string          `json:"id"`
	Filename   string          `json:"filename"`
	Subject    Subject         `json:"subject"`
	Level      Level           `json:"level"`
	Year       *int            `json:"year,omitempty"`
	Type       DocType         `json:"type"`
	ChunkCount int             `json:"chunks"`
	Replaced   bool            `json:"replaced"`
	Status     IngestionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
