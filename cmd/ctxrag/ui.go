package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/ingest"
	"github.com/xhad/ctxrag/pkg/retrieval"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func statusColor(s models.Status) *color.Color {
	switch s {
	case models.StatusCompleted:
		return green
	case models.StatusFailed:
		return red
	default:
		return yellow
	}
}

func printStatus(w io.Writer, st *ingest.SourceStatus) {
	if st == nil {
		return
	}
	fmt.Fprintf(w, "%s  %s  ", st.ID, st.Title)
	statusColor(st.Status).Fprintf(w, "%s", st.Status)
	fmt.Fprintf(w, "  chunks=%d\n", st.ChunkCount)
	if st.ErrorMessage != nil {
		red.Fprintf(w, "  error: %s\n", *st.ErrorMessage)
	}
}

func printSources(w io.Writer, sources []models.Source) {
	if len(sources) == 0 {
		faint.Fprintln(w, "No sources.")
		return
	}
	for _, src := range sources {
		fmt.Fprintf(w, "%s  %-4s  ", src.ID, src.Type)
		statusColor(src.Status).Fprintf(w, "%-10s", src.Status)
		fmt.Fprintf(w, "  %3d chunks  %s", src.ChunkCount, src.Title)
		if src.Category != "" {
			faint.Fprintf(w, "  [%s]", src.Category)
		}
		fmt.Fprintln(w)
	}
}

func printResults(w io.Writer, resp retrieval.Response) {
	if resp.Message != "" {
		yellow.Fprintln(w, resp.Message)
	}
	if len(resp.Results) == 0 {
		faint.Fprintln(w, "No matching chunks.")
		return
	}
	for i, r := range resp.Results {
		cyan.Fprintf(w, "%d. %s", i+1, r.SourceTitle)
		faint.Fprintf(w, " (chunk %d, score %.3f, vector %.3f, text %.3f)\n",
			r.ChunkIndex, r.CombinedScore, r.VectorSimilarity, r.TextRank)
		if r.Context != nil {
			faint.Fprintf(w, "   %s\n", *r.Context)
		}
		fmt.Fprintf(w, "   %s\n\n", preview(r.Content, 300))
	}
}

// preview flattens whitespace and cuts s to at most n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
