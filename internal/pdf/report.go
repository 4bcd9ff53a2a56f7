package pdf

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/olgkv/taskpoll/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// BuildWatchReport renders one section per watch: handle, outcome and the
// state transitions it went through.
func BuildWatchReport(recs []*domain.WatchRecord, generatedAt time.Time) ([]byte, error) {
	p := gofpdf.New("P", "mm", "A4", "")
	p.AddPage()
	p.SetFont("Arial", "B", 14)
	p.Cell(40, 10, "Task watch report")
	p.Ln(8)
	p.SetFont("Arial", "", 9)
	p.Cell(40, 6, "Generated "+generatedAt.UTC().Format(timeLayout)+" UTC")
	p.Ln(10)

	if len(recs) == 0 {
		p.SetFont("Arial", "", 12)
		p.Cell(40, 8, "No watches")
	}

	tr := p.UnicodeTranslatorFromDescriptor("")
	for _, rec := range recs {
		p.SetFont("Arial", "B", 12)
		p.Cell(40, 8, tr(fmt.Sprintf("Watch %s", rec.ID)))
		p.Ln(7)

		p.SetFont("Arial", "", 10)
		lines := []string{
			fmt.Sprintf("Resource %s, task %s", rec.Handle.ResourceID, rec.Handle.TaskID),
			fmt.Sprintf("State: %s, status: %s, progress: %.0f%%", rec.State, rec.Snapshot.Status, rec.Snapshot.Progress),
			fmt.Sprintf("Message: %s", rec.Snapshot.Message),
		}
		if rec.Retries > 0 {
			lines = append(lines, fmt.Sprintf("Consecutive failed polls: %d", rec.Retries))
		}
		for _, line := range lines {
			p.Cell(40, 6, tr(line))
			p.Ln(6)
		}

		for _, t := range rec.Transitions {
			line := fmt.Sprintf("  %s  %s -> %s", t.At.UTC().Format(timeLayout), t.From, t.To)
			if t.Message != "" {
				line += "  (" + t.Message + ")"
			}
			p.Cell(40, 5, tr(line))
			p.Ln(5)
		}
		p.Ln(4)
	}

	var buf bytes.Buffer
	if err := p.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
