package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/xhad/ctxrag/internal/models"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// extractPDF shells out to pdftotext, which only reads from files.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	if e.config.PDFCommand == "-" {
		return "", fmt.Errorf("%w: pdf extraction is disabled", models.ErrValidation)
	}

	f, err := os.CreateTemp("", "ctxrag-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}

	out, err := e.config.Runner.Run(ctx, e.config.PDFCommand, "-layout", "-enc", "UTF-8", f.Name(), "-")
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return "", fmt.Errorf("%w: pdf extraction requires %s on PATH", models.ErrValidation, e.config.PDFCommand)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: unreadable pdf: %v", models.ErrValidation, err)
	}
	return strings.TrimSpace(string(out)), nil
}
