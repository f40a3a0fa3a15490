package briefs

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Export formats accepted by the batch endpoint.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "md"
	FormatPDF      = "pdf"
	FormatZip      = "zip"
)

// ErrUnknownFormat is returned for formats outside the supported set.
var ErrUnknownFormat = errors.New("briefs: unknown export format")

// Export renders the briefs in the requested format and returns the
// payload with its content type and suggested filename.
func Export(list []*Brief, format string) (data []byte, contentType, filename string, err error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		data, err = renderJSON(list)
		return data, "application/json", "briefs.json", err
	case FormatCSV:
		data, err = renderCSV(list)
		return data, "text/csv", "briefs.csv", err
	case FormatMarkdown:
		return renderMarkdown(list), "text/markdown", "briefs.md", nil
	case FormatPDF:
		data, err = renderPDF(list)
		return data, "application/pdf", "briefs.pdf", err
	case FormatZip:
		data, err = renderZip(list)
		return data, "application/zip", "briefs.zip", err
	default:
		return nil, "", "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func renderJSON(list []*Brief) ([]byte, error) {
	return json.MarshalIndent(list, "", "  ")
}

func renderCSV(list []*Brief) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "ticker", "title", "rating", "score", "tags", "created_at", "content"}); err != nil {
		return nil, err
	}
	for _, b := range list {
		rating, score := "", ""
		if b.Rating != nil {
			rating = *b.Rating
		}
		if b.Score != nil {
			score = strconv.FormatFloat(*b.Score, 'f', -1, 64)
		}
		record := []string{
			strconv.FormatInt(b.ID, 10), b.Ticker, b.Title,
			rating, score, b.Tags, b.CreatedAt, b.Content,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderMarkdown(list []*Brief) []byte {
	var buf bytes.Buffer
	for i, b := range list {
		if i > 0 {
			buf.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&buf, "# %s\n\n", b.Title)
		meta := []string{b.CreatedAt}
		if b.Ticker != "" {
			meta = append([]string{b.Ticker}, meta...)
		}
		if b.Rating != nil {
			meta = append(meta, "rating: "+*b.Rating)
		}
		fmt.Fprintf(&buf, "*%s*\n\n", strings.Join(meta, " | "))
		buf.WriteString(b.Content)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// renderPDF produces one page per brief.
func renderPDF(list []*Brief) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	for _, b := range list {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 14)
		pdf.MultiCell(0, 7, b.Title, "", "L", false)

		meta := b.CreatedAt
		if b.Ticker != "" {
			meta = b.Ticker + "  " + meta
		}
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(0, 5, meta, "", "L", false)
		pdf.Ln(3)

		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 5, b.Content, "", "L", false)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("briefs: pdf render failed: %w", err)
	}
	return buf.Bytes(), nil
}

// renderZip bundles machine-readable json and csv alongside one
// markdown file per brief.
func renderZip(list []*Brief) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	add := func(name string, content []byte) error {
		f, err := w.Create(name)
		if err != nil {
			return err
		}
		_, err = f.Write(content)
		return err
	}

	asJSON, err := renderJSON(list)
	if err != nil {
		return nil, err
	}
	if err := add("briefs.json", asJSON); err != nil {
		return nil, err
	}
	asCSV, err := renderCSV(list)
	if err != nil {
		return nil, err
	}
	if err := add("briefs.csv", asCSV); err != nil {
		return nil, err
	}
	for _, b := range list {
		name := fmt.Sprintf("%d-%s.md", b.ID, slug(b.Title))
		if err := add(name, renderMarkdown([]*Brief{b})); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// slug reduces a title to a safe filename fragment.
func slug(title string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			sb.WriteByte('-')
		}
	}
	out := strings.Trim(sb.String(), "-")
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = "brief"
	}
	return out
}
