// Package certificate renders printable license activation certificates.
package certificate

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rcourtman/campus-license/pkg/licensing"
)

var (
	colorPrimary    = [3]int{30, 58, 95}    // Dark navy
	colorAccent     = [3]int{46, 204, 113}  // Green
	colorDanger     = [3]int{231, 76, 60}   // Red
	colorTextDark   = [3]int{44, 62, 80}    // Dark text
	colorTextMuted  = [3]int{127, 140, 141} // Muted text
	colorBackground = [3]int{248, 249, 250} // Light gray bg
	colorTableAlt   = [3]int{241, 245, 249} // Alternating row
	colorGridLine   = [3]int{220, 220, 220}
)

// ErrNotActivated is returned for licenses that have not completed activation.
var ErrNotActivated = errors.New("license is not activated")

// Options customise the rendered document.
type Options struct {
	Issuer      string    // printed under the title
	GeneratedAt time.Time // also used as the PDF creation date
}

// Render produces a single-page A4 certificate for an activated license.
func Render(l *licensing.License, opts Options) ([]byte, error) {
	if l == nil {
		return nil, errors.New("license is nil")
	}
	if !l.IsActivated() {
		return nil, ErrNotActivated
	}
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now().UTC()
	}
	if opts.Issuer == "" {
		opts.Issuer = "Campus License Authority"
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.SetCreationDate(opts.GeneratedAt)
	pdf.SetTitle("License Activation Certificate", false)
	pdf.SetAuthor(opts.Issuer, false)
	pdf.AddPage()

	writeHeader(pdf, opts)
	writeSchool(pdf, l)
	writeDetails(pdf, l)
	writeFeatures(pdf, l)
	writeFooter(pdf, l, opts)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func setText(pdf *fpdf.Fpdf, c [3]int) {
	pdf.SetTextColor(c[0], c[1], c[2])
}

func writeHeader(pdf *fpdf.Fpdf, opts Options) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(28)
	pdf.SetFont("Arial", "B", 24)
	setText(pdf, colorPrimary)
	pdf.CellFormat(0, 12, "License Activation Certificate", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	setText(pdf, colorTextMuted)
	pdf.CellFormat(0, 7, opts.Issuer, "", 1, "C", false, 0, "")
	pdf.Ln(8)
}

func writeSchool(pdf *fpdf.Fpdf, l *licensing.License) {
	pageWidth, _ := pdf.GetPageSize()
	boxX, boxWidth, boxHeight := 30.0, pageWidth-60, 32.0

	pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	top := pdf.GetY()
	pdf.RoundedRect(boxX, top, boxWidth, boxHeight, 3, "1234", "FD")

	pdf.SetXY(boxX, top+5)
	pdf.SetFont("Arial", "", 10)
	setText(pdf, colorTextMuted)
	pdf.CellFormat(boxWidth, 6, "This certifies that", "", 2, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 18)
	setText(pdf, colorTextDark)
	pdf.CellFormat(boxWidth, 10, l.SchoolName, "", 2, "C", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	setText(pdf, colorTextMuted)
	pdf.CellFormat(boxWidth, 6, "School ID "+l.SchoolID, "", 2, "C", false, 0, "")

	pdf.SetXY(20, top+boxHeight+8)
}

func writeDetails(pdf *fpdf.Fpdf, l *licensing.License) {
	rows := [][2]string{
		{"License key", l.LicenseKey},
		{"License ID", l.ID},
		{"Status", string(l.Status)},
		{"Issued", l.IssuedAt.UTC().Format(time.DateOnly)},
		{"Expires", l.ExpiresAt.UTC().Format(time.DateOnly)},
	}
	if l.ActivatedAt != nil {
		rows = append(rows, [2]string{"Activated", l.ActivatedAt.UTC().Format(time.RFC3339)})
	}
	if hb := l.SecurityRestrictions.HardwareBinding; hb != nil && hb.Enabled {
		rows = append(rows, [2]string{"Bound devices", fmt.Sprintf("%d", len(hb.Fingerprints))})
	}

	sectionTitle(pdf, "License Details")
	pdf.SetFont("Arial", "", 10)
	for i, row := range rows {
		fill := i%2 == 1
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		}
		setText(pdf, colorTextMuted)
		pdf.CellFormat(45, 7, row[0], "", 0, "L", fill, 0, "")
		setText(pdf, colorTextDark)
		pdf.CellFormat(0, 7, row[1], "", 1, "L", fill, 0, "")
	}
	pdf.Ln(6)
}

func writeFeatures(pdf *fpdf.Fpdf, l *licensing.License) {
	sectionTitle(pdf, "Licensed Features")
	if len(l.Features) == 0 {
		pdf.SetFont("Arial", "I", 10)
		setText(pdf, colorTextMuted)
		pdf.CellFormat(0, 7, "No features", "", 1, "L", false, 0, "")
		return
	}

	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(60, 7, "Feature", "", 0, "L", true, 0, "")
	pdf.CellFormat(25, 7, "Enabled", "", 0, "C", true, 0, "")
	pdf.CellFormat(0, 7, "Restrictions", "", 1, "L", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	for i, f := range l.Features {
		fill := i%2 == 1
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		}
		setText(pdf, colorTextDark)
		pdf.CellFormat(60, 7, f.Name, "", 0, "L", fill, 0, "")
		if f.Enabled {
			setText(pdf, colorAccent)
			pdf.CellFormat(25, 7, "yes", "", 0, "C", fill, 0, "")
		} else {
			setText(pdf, colorDanger)
			pdf.CellFormat(25, 7, "no", "", 0, "C", fill, 0, "")
		}
		setText(pdf, colorTextMuted)
		pdf.CellFormat(0, 7, formatRestrictions(f.Restrictions), "", 1, "L", fill, 0, "")
	}
	pdf.Ln(6)
}

func writeFooter(pdf *fpdf.Fpdf, l *licensing.License, opts Options) {
	_, pageHeight := pdf.GetPageSize()
	pdf.SetY(pageHeight - 35)
	pdf.SetFont("Arial", "", 8)
	setText(pdf, colorTextMuted)
	pdf.CellFormat(0, 5, "Generated "+opts.GeneratedAt.UTC().Format(time.RFC3339), "", 1, "C", false, 0, "")
	if l.Fingerprint != "" {
		pdf.CellFormat(0, 5, "Record fingerprint "+l.Fingerprint, "", 1, "C", false, 0, "")
	}
}

func sectionTitle(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Arial", "B", 13)
	setText(pdf, colorPrimary)
	pdf.CellFormat(0, 9, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	y := pdf.GetY()
	pdf.Line(20, y, 80, y)
	pdf.Ln(3)
}

func formatRestrictions(r map[string]any) string {
	if len(r) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r[k]))
	}
	return strings.Join(parts, ", ")
}
