package taxonomy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrLoad = errors.New("failed to load label manifest")

type Category int

const (
	General Category = iota
	Rating
	Character
)

func (c Category) String() string {
	switch c {
	case Rating:
		return "rating"
	case Character:
		return "character"
	default:
		return "general"
	}
}

// Danbooru category codes used in selected_tags.csv.
const (
	codeGeneral   = 0
	codeCharacter = 4
	codeRating    = 9
)

const ratingPrefix = "rating:"

// RatingLabels are reported unconditionally, whatever the threshold.
var RatingLabels = [...]string{"general", "sensitive", "questionable", "explicit"}

func IsRating(name string) bool {
	for _, r := range RatingLabels {
		if name == r {
			return true
		}
	}
	return false
}

// Label is one output of a model. The position of a Label in the slice
// returned by Load is the index of its score in the model output.
type Label struct {
	Name     string
	Category Category
}

// Load reads a label manifest. CSV manifests carry a category column;
// any other file is read as one label per line.
func Load(path string) ([]Label, error) {
	var (
		labels []Label
		err    error
	)
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		labels, err = loadCSV(path)
	} else {
		labels, err = loadLines(path)
	}
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: %s has no labels", ErrLoad, path)
	}
	return labels, nil
}

func loadCSV(path string) ([]Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	nameCol, categoryCol := 0, 1
	var labels []Label
	for row := 0; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
		}
		if row == 0 {
			if n, c, ok := header(rec); ok {
				nameCol, categoryCol = n, c
				continue
			}
		}
		if nameCol >= len(rec) || strings.TrimSpace(rec[nameCol]) == "" {
			return nil, fmt.Errorf("%w: %s: row %d has no label", ErrLoad, path, row+1)
		}
		name := strings.TrimSpace(rec[nameCol])
		code := codeGeneral
		if categoryCol >= 0 && categoryCol < len(rec) {
			if v, err := strconv.Atoi(strings.TrimSpace(rec[categoryCol])); err == nil {
				code = v
			}
		}
		labels = append(labels, Label{Name: name, Category: categorize(name, code)})
	}
	return labels, nil
}

func header(rec []string) (nameCol, categoryCol int, ok bool) {
	nameCol, categoryCol = -1, -1
	for i, h := range rec {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "name", "tag", "label":
			nameCol = i
		case "category":
			categoryCol = i
		}
	}
	return nameCol, categoryCol, nameCol >= 0
}

func categorize(name string, code int) Category {
	switch {
	case code == codeRating:
		return Rating
	case code == codeCharacter:
		return Character
	case IsRating(name):
		return Rating
	default:
		return General
	}
}

func loadLines(path string) ([]Label, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	labels := make([]Label, 0, len(lines))
	for _, l := range lines {
		if name, ok := strings.CutPrefix(l, ratingPrefix); ok {
			labels = append(labels, Label{Name: name, Category: Rating})
			continue
		}
		labels = append(labels, Label{Name: l, Category: categorize(l, codeGeneral)})
	}
	return labels, nil
}

// WithCharacters returns a copy of labels where every name listed in the
// file at path is a character. A missing file leaves labels unchanged.
func WithCharacters(labels []Label, path string) ([]Label, error) {
	names, err := ReadLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return labels, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	out := make([]Label, len(labels))
	copy(out, labels)
	for i, l := range out {
		if _, ok := set[l.Name]; ok && l.Category != Rating {
			out[i].Category = Character
		}
	}
	return out, nil
}

func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(b), "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
