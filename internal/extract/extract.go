// Package extract turns uploaded files into prompt material: plain text for
// documents, an inline image for pictures.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxTextChars bounds how much extracted text is forwarded downstream.
const MaxTextChars = 12000

type Format string

const (
	FormatImage Format = "image"
	FormatPDF   Format = "pdf"
	FormatDOCX  Format = "docx"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
	FormatText  Format = "text"
)

// File is an upload already written to local disk.
type File struct {
	Path     string
	Name     string
	MIMEType string
}

func (f File) Ext() string {
	return strings.ToLower(filepath.Ext(f.Name))
}

// InlineImage is raw image bytes; JSON encodes Data as base64.
type InlineImage struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type Result struct {
	Text        string       `json:"text"`
	InlineImage *InlineImage `json:"inlineImage,omitempty"`
}

type Extractor interface {
	Extract(ctx context.Context, f File) (*Result, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, f File) (*Result, error)

func (fn ExtractorFunc) Extract(ctx context.Context, f File) (*Result, error) {
	return fn(ctx, f)
}

// Registry maps each format to its extractor. Formats without an entry fall
// back to the FormatText extractor.
type Registry struct {
	extractors map[Format]Extractor
}

func NewRegistry() *Registry {
	return &Registry{extractors: make(map[Format]Extractor)}
}

// DefaultRegistry knows every supported format.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FormatImage, ExtractorFunc(extractImage))
	r.Register(FormatPDF, ExtractorFunc(extractPDF))
	r.Register(FormatDOCX, ExtractorFunc(extractDOCX))
	r.Register(FormatCSV, ExtractorFunc(extractCSV))
	r.Register(FormatXLSX, ExtractorFunc(extractXLSX))
	r.Register(FormatText, ExtractorFunc(extractText))
	return r
}

func (r *Registry) Register(format Format, e Extractor) {
	r.extractors[format] = e
}

// Detect picks the format for a file. Image MIME types win over the
// extension; everything unrecognised is text.
func Detect(f File) Format {
	if strings.HasPrefix(strings.ToLower(f.MIMEType), "image/") {
		return FormatImage
	}
	switch f.Ext() {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".csv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	}
	return FormatText
}

// Extract runs the extractor for f's format and truncates the text.
func (r *Registry) Extract(ctx context.Context, f File) (*Result, error) {
	format := Detect(f)
	e, ok := r.extractors[format]
	if !ok {
		e, ok = r.extractors[FormatText]
		if !ok {
			return nil, fmt.Errorf("no extractor registered for %s", format)
		}
	}

	res, err := e.Extract(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s file %q: %w", format, f.Name, err)
	}
	res.Text = Truncate(res.Text, MaxTextChars)
	return res, nil
}

// Truncate cuts text to max characters and appends a marker with the number
// of characters dropped.
func Truncate(text string, max int) string {
	n := utf8.RuneCountInString(text)
	if n <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + TruncationMarker(n-max)
}

func TruncationMarker(omitted int) string {
	return fmt.Sprintf("\n\n[... truncated %d characters]", omitted)
}
