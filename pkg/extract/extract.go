// Package extract turns uploaded file bytes into plain text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/scraper"
)

type Format string

const (
	FormatPlainText Format = "plaintext"
	FormatMarkdown  Format = "markdown"
	FormatHTML      Format = "html"
	FormatDOCX      Format = "docx"
	FormatPDF       Format = "pdf"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var mimeFormats = map[string]Format{
	"text/plain":            FormatPlainText,
	"text/csv":              FormatPlainText,
	"text/markdown":         FormatMarkdown,
	"text/x-markdown":       FormatMarkdown,
	"text/html":             FormatHTML,
	"application/xhtml+xml": FormatHTML,
	docxMIME:                FormatDOCX,
	"application/pdf":       FormatPDF,
}

var extFormats = map[string]Format{
	".txt":      FormatPlainText,
	".text":     FormatPlainText,
	".csv":      FormatPlainText,
	".log":      FormatPlainText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".docx":     FormatDOCX,
	".pdf":      FormatPDF,
}

type ExtractorConfig struct {
	// PDFCommand is the pdftotext-compatible binary used for PDFs. Empty
	// uses "pdftotext"; "-" disables PDF support.
	PDFCommand   string
	MaxFileBytes int64
	Runner       CommandRunner
}

type Extractor struct {
	config ExtractorConfig
}

func NewWithConfig(config ExtractorConfig) *Extractor {
	if config.PDFCommand == "" {
		config.PDFCommand = "pdftotext"
	}
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = 50 << 20
	}
	if config.Runner == nil {
		config.Runner = execRunner{}
	}
	return &Extractor{config: config}
}

func New() *Extractor {
	return NewWithConfig(ExtractorConfig{})
}

// Detect picks the format from the MIME type, falling back to the file
// extension when the MIME type is missing or generic.
func Detect(fileName, mimeType string) (Format, bool) {
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		if f, ok := mimeFormats[mediaType]; ok {
			return f, true
		}
	}
	f, ok := extFormats[strings.ToLower(filepath.Ext(fileName))]
	return f, ok
}

// Extract returns the text content of a file.
func (e *Extractor) Extract(ctx context.Context, fileName, mimeType string, data []byte) (string, error) {
	if int64(len(data)) > e.config.MaxFileBytes {
		return "", fmt.Errorf("%w: file is %d bytes, limit is %d", models.ErrValidation, len(data), e.config.MaxFileBytes)
	}

	format, ok := Detect(fileName, mimeType)
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q (%s)", models.ErrValidation, filepath.Ext(fileName), mimeType)
	}

	switch format {
	case FormatPlainText:
		return decodeText(data)
	case FormatMarkdown:
		text, err := decodeText(data)
		if err != nil {
			return "", err
		}
		return stripMarkdown(text), nil
	case FormatHTML:
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("%w: malformed html: %v", models.ErrValidation, err)
		}
		return scraper.ExtractText(doc), nil
	case FormatDOCX:
		return extractDOCX(data)
	case FormatPDF:
		return e.extractPDF(ctx, data)
	}
	return "", fmt.Errorf("%w: unsupported format %s", models.ErrValidation, format)
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: file is not valid UTF-8 text", models.ErrValidation)
	}
	return string(data), nil
}
