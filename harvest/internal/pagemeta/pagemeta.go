// Package pagemeta derives per-page dimension metadata from verified PDFs
// and aggregates raw and orientation-adjusted page counts. Landscape pages
// hold roughly twice the content of a portrait page at the same point
// size, so downstream effort estimates weight them double.
package pagemeta

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Orientation classification values. Square is its own class: a page with
// width exactly equal to height is neither rotated nor wide, and folding
// it into either bucket would skew the adjusted count.
const (
	Portrait  = "portrait"
	Landscape = "landscape"
	Square    = "square"
)

// Page is one page's dimensions in PDF points.
type Page struct {
	Index       int // 0-based, document order
	Width       float64
	Height      float64
	Orientation string
}

// Summary aggregates a document's page counts.
type Summary struct {
	RawPages      int
	AdjustedPages int
}

// Classify returns the orientation for a page of the given dimensions.
func Classify(width, height float64) string {
	switch {
	case width == height:
		return Square
	case width > height:
		return Landscape
	default:
		return Portrait
	}
}

// Weight returns the adjusted-count contribution of one page.
func Weight(orientation string) int {
	if orientation == Landscape {
		return 2
	}
	return 1
}

// Extractor reads page dimensions via pdfcpu.
type Extractor struct {
	conf *model.Configuration
}

// New creates an Extractor with relaxed validation, matching the verifier.
func New() *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{conf: conf}
}

// ExtractFile enumerates the pages of the PDF at path in document order.
// Encrypted or structurally broken files return an error; the caller
// records those as a metadata failure without touching fetch status.
func (e *Extractor) ExtractFile(path string) ([]*Page, *Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("pagemeta: open: %w", err)
	}
	defer f.Close()

	dims, err := api.PageDims(f, e.conf)
	if err != nil {
		return nil, nil, fmt.Errorf("pagemeta: read page dims: %w", err)
	}
	if len(dims) == 0 {
		return nil, nil, fmt.Errorf("pagemeta: document has no pages")
	}

	pages := make([]*Page, 0, len(dims))
	sum := &Summary{}
	for i, d := range dims {
		o := Classify(d.Width, d.Height)
		pages = append(pages, &Page{
			Index:       i,
			Width:       d.Width,
			Height:      d.Height,
			Orientation: o,
		})
		sum.RawPages++
		sum.AdjustedPages += Weight(o)
	}
	return pages, sum, nil
}

// Summarize recomputes the aggregate from page rows. Exposed for callers
// that already hold pages (tests, report rebuilds).
func Summarize(pages []*Page) *Summary {
	sum := &Summary{}
	for _, p := range pages {
		sum.RawPages++
		sum.AdjustedPages += Weight(p.Orientation)
	}
	return sum
}
