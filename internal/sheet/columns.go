package sheet

import (
	"slices"

	"github.com/foxzi/ordermail/internal/roster"
)

// DefaultOptionalColumns are product columns reported when present
var DefaultOptionalColumns = []string{
	"Sản phẩm",
	"Combo",
	"Số lượng",
	"Đơn giá",
	"Số lượng Combo",
	"Chọn Màu sắc & Size áo",
	"Địa chỉ nhận hàng",
}

// ColumnStatus reports whether an expected column exists
type ColumnStatus struct {
	Column   string   `json:"column"`
	Variants []string `json:"variants,omitempty"`
	Required bool     `json:"required"`
	Found    bool     `json:"found"`
}

// Report is the result of a column check
type Report struct {
	Sheet    string         `json:"sheet"`
	Rows     int            `json:"rows"`
	Headers  []string       `json:"headers"`
	Required []ColumnStatus `json:"required"`
	Optional []ColumnStatus `json:"optional"`
}

// OK reports whether every required column was found
func (r *Report) OK() bool {
	for _, c := range r.Required {
		if !c.Found {
			return false
		}
	}
	return true
}

// Missing returns the required columns that were not found
func (r *Report) Missing() []string {
	var missing []string
	for _, c := range r.Required {
		if !c.Found {
			missing = append(missing, c.Column)
		}
	}
	return missing
}

// CheckColumns checks the table headers against the grouping columns.
// Any email variant satisfies the email requirement.
func CheckColumns(t *Table, cols roster.Columns, optional []string) *Report {
	r := &Report{
		Sheet:   t.Sheet,
		Rows:    len(t.Rows),
		Headers: t.Headers,
	}

	emailCol := "Email"
	if len(cols.Email) > 0 {
		emailCol = cols.Email[0]
	}
	emailFound := false
	for _, v := range cols.Email {
		if slices.Contains(t.Headers, v) {
			emailFound = true
			break
		}
	}

	r.Required = []ColumnStatus{
		{Column: emailCol, Variants: cols.Email, Required: true, Found: emailFound},
		{Column: cols.Phone, Required: true, Found: slices.Contains(t.Headers, cols.Phone)},
		{Column: cols.Name, Required: true, Found: slices.Contains(t.Headers, cols.Name)},
	}

	for _, c := range optional {
		r.Optional = append(r.Optional, ColumnStatus{Column: c, Found: slices.Contains(t.Headers, c)})
	}

	return r
}
