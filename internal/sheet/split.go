package sheet

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/foxzi/ordermail/internal/roster"
)

// SingleSheetName holds the orders of phones that ordered once
const SingleSheetName = "Đặt 1 đơn"

const maxSheetName = 31

// SplitSheet describes one sheet of a split workbook
type SplitSheet struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Orders int    `json:"orders"`
}

// SplitReport summarises a split
type SplitReport struct {
	Rows         int          `json:"rows"`
	Phones       int          `json:"phones"`
	SinglePhones int          `json:"singlePhones"`
	MultiPhones  int          `json:"multiPhones"`
	Sheets       []SplitSheet `json:"sheets"`
}

// SplitByPhone builds a workbook with one sheet for phones with a single
// order and one sheet per phone with several orders, named
// "<n>đơn-<last 4 digits>". Rows without a phone are left out. The caller
// closes the returned file.
func SplitByPhone(t *Table, phoneColumn string) (*excelize.File, *SplitReport, error) {
	var phones []string
	byPhone := make(map[string][]roster.OrderRow)
	for _, row := range t.Rows {
		phone := row.Value(phoneColumn)
		if phone == "" {
			continue
		}
		if _, ok := byPhone[phone]; !ok {
			phones = append(phones, phone)
		}
		byPhone[phone] = append(byPhone[phone], row)
	}

	report := &SplitReport{Rows: len(t.Rows), Phones: len(phones)}

	var single []roster.OrderRow
	var multi []string
	for _, phone := range phones {
		if len(byPhone[phone]) == 1 {
			single = append(single, byPhone[phone][0])
			report.SinglePhones++
		} else {
			multi = append(multi, phone)
		}
	}
	report.MultiPhones = len(multi)
	slices.Sort(multi)

	f := excelize.NewFile()
	w := &workbookWriter{file: f, headers: t.Headers, used: make(map[string]bool)}

	if len(single) > 0 {
		name, err := w.addSheet(SingleSheetName, single)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		report.Sheets = append(report.Sheets, SplitSheet{Name: name, Orders: len(single)})
	}

	for _, phone := range multi {
		orders := byPhone[phone]
		name, err := w.addSheet(fmt.Sprintf("%dđơn-%s", len(orders), lastDigits(phone, 4)), orders)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		report.Sheets = append(report.Sheets, SplitSheet{Name: name, Phone: phone, Orders: len(orders)})
	}

	return f, report, nil
}

type workbookWriter struct {
	file    *excelize.File
	headers []string
	used    map[string]bool
	sheets  int
}

func (w *workbookWriter) addSheet(name string, rows []roster.OrderRow) (string, error) {
	name = w.uniqueName(name)

	if w.sheets == 0 {
		// reuse the sheet every new workbook starts with
		if err := w.file.SetSheetName(w.file.GetSheetName(0), name); err != nil {
			return "", fmt.Errorf("failed to rename sheet: %w", err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return "", fmt.Errorf("failed to create sheet %q: %w", name, err)
	}
	w.sheets++

	header := make([]interface{}, len(w.headers))
	for i, h := range w.headers {
		header[i] = h
	}
	if err := w.file.SetSheetRow(name, "A1", &header); err != nil {
		return "", err
	}

	for i, row := range rows {
		values := make([]interface{}, len(w.headers))
		for j, h := range w.headers {
			values[j] = row[h]
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return "", err
		}
		if err := w.file.SetSheetRow(name, cell, &values); err != nil {
			return "", err
		}
	}

	return name, nil
}

// uniqueName truncates to the sheet name limit and suffixes repeats
func (w *workbookWriter) uniqueName(name string) string {
	base := truncate(name, maxSheetName)
	candidate := base
	for n := 2; w.used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncate(base, maxSheetName-len(suffix)) + suffix
	}
	w.used[strings.ToLower(candidate)] = true
	return candidate
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func lastDigits(phone string, n int) string {
	r := []rune(phone)
	if len(r) <= n {
		return phone
	}
	return string(r[len(r)-n:])
}
