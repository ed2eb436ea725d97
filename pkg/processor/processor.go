package processor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/ctxrag/internal/models"
)

// boundaryWindow is the fraction of the chunk after which a sentence
// boundary may end the chunk early.
const boundaryWindow = 0.7

type ProcessorConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	MinChunkLength int
}

type Processor struct {
	config ProcessorConfig
}

// DefaultConfig returns the configuration used for a zero ProcessorConfig.
func DefaultConfig() ProcessorConfig {
	return ProcessorConfig{ChunkSize: 1000, ChunkOverlap: 200, MinChunkLength: 50}
}

// NewWithConfig builds a Processor. A zero config takes DefaultConfig; a
// zero overlap or minimum length is otherwise used as given.
func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config == (ProcessorConfig{}) {
		config = DefaultConfig()
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Processor{
		config: config,
	}, nil
}

// Validate rejects sizes for which the scan would not advance.
func (c ProcessorConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrValidation, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk overlap cannot be negative, got %d", models.ErrValidation, c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk overlap (%d) must be less than chunk size (%d)",
			models.ErrValidation, c.ChunkOverlap, c.ChunkSize)
	}
	if c.MinChunkLength < 0 {
		return fmt.Errorf("%w: min chunk length cannot be negative, got %d", models.ErrValidation, c.MinChunkLength)
	}
	return nil
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Segment splits normalized text into overlapping chunks, ending each chunk
// at the last sentence boundary inside its trailing window when there is one.
// Chunks whose trimmed length does not exceed MinChunkLength are dropped and
// do not consume an index.
func (p *Processor) Segment(text string) []models.Segment {
	segments := []models.Segment{}
	if strings.TrimSpace(text) == "" {
		return segments
	}

	runes := []rune(text)
	n := len(runes)
	size := p.config.ChunkSize
	overlap := p.config.ChunkOverlap

	start := 0
	for start < n {
		end := start + size
		if end > n {
			end = n
		}

		if end < n {
			// Only take the boundary if the cursor still moves forward.
			if b := p.boundary(runes, start, end); b > 0 && b-overlap > start {
				end = b
			}
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if utf8.RuneCountInString(content) > p.config.MinChunkLength {
			segments = append(segments, models.Segment{
				Content:    content,
				ChunkIndex: len(segments),
				TokenCount: models.EstimateTokens(content),
				Start:      start,
				End:        end,
			})
		}

		if end >= n {
			break
		}
		start = end - overlap
	}

	return segments
}

// boundary returns the offset just past the last terminator+whitespace pair
// in [start+0.7*size, end), or -1.
func (p *Processor) boundary(runes []rune, start, end int) int {
	windowStart := start + int(float64(p.config.ChunkSize)*boundaryWindow)
	for i := end - 2; i >= windowStart; i-- {
		if isTerminator(runes[i]) && unicode.IsSpace(runes[i+1]) {
			return i + 2
		}
	}
	return -1
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	newlinePadding  = regexp.MustCompile(` ?\n ?`)
	extraNewlines   = regexp.MustCompile(`\n{3,}`)
)

// Normalize cleans extracted text before segmentation: invalid UTF-8 and NUL
// bytes are dropped, line endings unified, runs of blanks collapsed and
// paragraph breaks kept.
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = horizontalSpace.ReplaceAllString(text, " ")
	text = newlinePadding.ReplaceAllString(text, "\n")
	text = extraNewlines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
