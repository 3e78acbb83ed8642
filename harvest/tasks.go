package harvest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/hazyhaar/caseharvest/guard"
)

// Document is one downloadable filing within a case.
type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Case is one arbitration case from the scraped listing: an identifier, a
// registration year, and zero or more documents. Cases without documents
// still get a ledger row so the output table covers every case.
type Case struct {
	ID        string     `json:"case_id"`
	Year      int        `json:"year"`
	Documents []Document `json:"documents"`
}

// Task is one unit of acquisition work derived from a case document.
type Task struct {
	Key      string
	CaseID   string
	CaseYear int
	DocName  string
	URL      string
	Filename string // relative to the documents directory
}

// LoadTaskFile reads a JSON task file: an array of cases.
func LoadTaskFile(path string) ([]*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harvest: read task file: %w", err)
	}
	var cases []*Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("harvest: parse task file: %w", err)
	}
	for i, c := range cases {
		if c.ID == "" {
			return nil, fmt.Errorf("harvest: case %d has no case_id", i)
		}
	}
	return cases, nil
}

// Tasks flattens cases into acquisition tasks. A case without documents
// yields a single URL-less task so it lands in the ledger as skipped_no_url
// and appears in the metadata table.
func Tasks(cases []*Case) ([]*Task, error) {
	seen := make(map[string]string, len(cases))
	var tasks []*Task
	for _, c := range cases {
		if len(c.Documents) == 0 {
			t, err := newTask(c, Document{})
			if err != nil {
				return nil, err
			}
			if err := noteDup(seen, t); err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
			continue
		}
		for _, d := range c.Documents {
			t, err := newTask(c, d)
			if err != nil {
				return nil, err
			}
			if err := noteDup(seen, t); err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func newTask(c *Case, d Document) (*Task, error) {
	key := TaskKey(c.Year, c.ID, d.Name)
	if err := guard.ValidateIdentifier(key); err != nil {
		return nil, fmt.Errorf("harvest: case %q doc %q: %w", c.ID, d.Name, err)
	}
	t := &Task{
		Key:      key,
		CaseID:   c.ID,
		CaseYear: c.Year,
		DocName:  d.Name,
		URL:      d.URL,
	}
	if d.URL != "" {
		t.Filename = key + ".pdf"
	}
	return t, nil
}

func noteDup(seen map[string]string, t *Task) error {
	if prev, ok := seen[t.Key]; ok {
		return fmt.Errorf("harvest: tasks %q and %q/%q collide on key %s",
			prev, t.CaseID, t.DocName, t.Key)
	}
	seen[t.Key] = t.CaseID + "/" + t.DocName
	return nil
}

// TaskKey derives the stable ledger key for a document:
// {year}_{case}_{doc} in snake_case. Document-less case rows use
// {year}_{case}. The key doubles as the base of the stored filename, so
// re-runs always resolve a document to the same path.
func TaskKey(year int, caseID, docName string) string {
	parts := []string{strconv.Itoa(year), slugify(caseID)}
	if docName != "" {
		parts = append(parts, slugify(docName))
	}
	return strings.Join(parts, "_")
}

// slugify lowercases and maps every run of non-alphanumerics to a single
// underscore. Case identifiers like "ICSID ARB/20/14" become
// "icsid_arb_20_14".
func slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		} else {
			pendingSep = true
		}
	}
	return b.String()
}
