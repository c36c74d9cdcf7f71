// Package sheet reads and writes order spreadsheets.
package sheet

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/foxzi/ordermail/internal/roster"
)

// ErrNoSheet is returned for a workbook without worksheets
var ErrNoSheet = errors.New("workbook has no worksheets")

// Table is the content of the first worksheet
type Table struct {
	Sheet   string
	Headers []string
	Rows    []roster.OrderRow
}

// ReadFile reads the first worksheet of an xlsx file
func ReadFile(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	return readFirst(f)
}

// Read reads the first worksheet of an xlsx stream
func Read(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	return readFirst(f)
}

// readFirst treats the first row as the header. Header names are kept
// verbatim; a repeated header gets a _1, _2 suffix. Empty cells are
// omitted from rows and rows without any value are skipped.
func readFirst(f *excelize.File) (*Table, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoSheet
	}

	t := &Table{Sheet: sheets[0]}
	rows, err := f.GetRows(t.Sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", t.Sheet, err)
	}
	if len(rows) == 0 {
		return t, nil
	}

	keys := headerKeys(rows[0])
	for _, k := range keys {
		if k != "" {
			t.Headers = append(t.Headers, k)
		}
	}

	for _, cells := range rows[1:] {
		row := make(roster.OrderRow)
		for i, v := range cells {
			if i >= len(keys) || keys[i] == "" || v == "" {
				continue
			}
			row[keys[i]] = v
		}
		if len(row) > 0 {
			t.Rows = append(t.Rows, row)
		}
	}

	return t, nil
}

func headerKeys(header []string) []string {
	keys := make([]string, len(header))
	seen := make(map[string]int)
	for i, h := range header {
		if h == "" {
			continue
		}
		key := h
		if n, ok := seen[h]; ok {
			key = h + "_" + strconv.Itoa(n)
		}
		seen[h]++
		keys[i] = key
	}
	return keys
}
