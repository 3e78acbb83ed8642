package pagemeta

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	// WHAT: orientation classification over the three classes.
	// WHY: square must require exact equality; near-square pages are not square.
	cases := []struct {
		w, h float64
		want string
	}{
		{612, 792, Portrait},
		{792, 612, Landscape},
		{500, 500, Square},
		{500.0001, 500, Landscape},
		{500, 500.0001, Portrait},
	}
	for _, tc := range cases {
		if got := Classify(tc.w, tc.h); got != tc.want {
			t.Errorf("Classify(%v, %v) = %s, want %s", tc.w, tc.h, got, tc.want)
		}
	}
}

func TestWeight(t *testing.T) {
	// WHAT: landscape pages count double, everything else counts once.
	// WHY: the adjusted total drives effort estimates downstream.
	if got := Weight(Landscape); got != 2 {
		t.Errorf("Weight(landscape) = %d, want 2", got)
	}
	if got := Weight(Portrait); got != 1 {
		t.Errorf("Weight(portrait) = %d, want 1", got)
	}
	if got := Weight(Square); got != 1 {
		t.Errorf("Weight(square) = %d, want 1", got)
	}
}

func TestExtractFile_MixedOrientations(t *testing.T) {
	// WHAT: 10-page document with 3 landscape pages yields raw=10 adjusted=13.
	// WHY: the adjusted count must never undercount; landscape weighting is
	// the whole point of the per-page pass.
	dims := make([][2]int, 0, 10)
	for i := 0; i < 7; i++ {
		dims = append(dims, [2]int{612, 792})
	}
	for i := 0; i < 3; i++ {
		dims = append(dims, [2]int{792, 612})
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.pdf")
	if err := os.WriteFile(path, buildMultiPagePDF(dims), 0644); err != nil {
		t.Fatal(err)
	}

	pages, sum, err := New().ExtractFile(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pages) != 10 {
		t.Fatalf("pages = %d, want 10", len(pages))
	}
	if sum.RawPages != 10 {
		t.Errorf("raw = %d, want 10", sum.RawPages)
	}
	if sum.AdjustedPages != 13 {
		t.Errorf("adjusted = %d, want 13", sum.AdjustedPages)
	}
	if sum.AdjustedPages < sum.RawPages {
		t.Error("adjusted must be >= raw")
	}
	for i, p := range pages {
		if p.Index != i {
			t.Errorf("page %d has Index %d", i, p.Index)
		}
	}
}

func TestExtractFile_Square(t *testing.T) {
	// WHAT: a page with width == height classifies as square and weighs 1.
	// WHY: square is its own class; folding it into landscape would inflate
	// the adjusted count.
	dir := t.TempDir()
	path := filepath.Join(dir, "square.pdf")
	if err := os.WriteFile(path, buildMultiPagePDF([][2]int{{500, 500}}), 0644); err != nil {
		t.Fatal(err)
	}

	pages, sum, err := New().ExtractFile(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pages) != 1 || pages[0].Orientation != Square {
		t.Fatalf("pages = %+v, want one square page", pages)
	}
	if sum.RawPages != 1 || sum.AdjustedPages != 1 {
		t.Errorf("summary = %+v, want raw=1 adjusted=1", sum)
	}
}

func TestExtractFile_NotAPDF(t *testing.T) {
	// WHAT: a non-PDF file returns an error rather than empty metadata.
	// WHY: metadata failures must be visible so the run report can flag them.
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.pdf")
	if err := os.WriteFile(path, []byte("<html>not found</html>"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := New().ExtractFile(path); err == nil {
		t.Fatal("expected error for non-PDF input")
	}
}

func TestSummarize(t *testing.T) {
	// WHAT: Summarize recomputes the aggregate from page rows.
	// WHY: report rebuilds derive the summary from stored pages.
	pages := []*Page{
		{Index: 0, Orientation: Portrait},
		{Index: 1, Orientation: Landscape},
		{Index: 2, Orientation: Square},
	}
	sum := Summarize(pages)
	if sum.RawPages != 3 || sum.AdjustedPages != 4 {
		t.Errorf("summary = %+v, want raw=3 adjusted=4", sum)
	}
}

// --- PDF test helpers ---

// buildMultiPagePDF creates a valid PDF with one page per entry in dims,
// each with its own MediaBox, and correct xref offsets.
func buildMultiPagePDF(dims [][2]int) []byte {
	n := len(dims)
	// object 1: catalog, object 2: pages, objects 3..3+n-1: page nodes
	total := 2 + n

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, total+1)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	kids := make([]string, n)
	for i := range dims {
		kids[i] = strconv.Itoa(3+i) + " 0 R"
	}
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [" + strings.Join(kids, " ") +
		"] /Count " + strconv.Itoa(n) + " >>\nendobj\n")

	for i, d := range dims {
		obj := 3 + i
		offsets[obj] = b.Len()
		b.WriteString(strconv.Itoa(obj) + " 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 " +
			strconv.Itoa(d[0]) + " " + strconv.Itoa(d[1]) + "] >>\nendobj\n")
	}

	xrefOffset := b.Len()
	b.WriteString("xref\n0 " + strconv.Itoa(total+1) + "\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= total; i++ {
		b.WriteString(padOffset(offsets[i]) + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + strconv.Itoa(total+1) + " /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xrefOffset))
	b.WriteString("\n%%EOF\n")

	return []byte(b.String())
}

func padOffset(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 10 {
		s = "0" + s
	}
	return s
}
