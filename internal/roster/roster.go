// Package roster groups raw spreadsheet order rows into one delivery per recipient.
package roster

import "strings"

// OrderRow is one spreadsheet row keyed by header name. Empty cells are absent.
type OrderRow map[string]string

// Value returns the trimmed value of the first column that has a non-empty cell
func (r OrderRow) Value(columns ...string) string {
	for _, col := range columns {
		if v := strings.TrimSpace(r[col]); v != "" {
			return v
		}
	}
	return ""
}

// RecipientGroup is a single confirmation: one normalized email and its orders
type RecipientGroup struct {
	Email  string     `json:"email"`
	Name   string     `json:"name"`
	Phone  string     `json:"phone"`
	Orders []OrderRow `json:"orders"`
}

// OrderCount returns the number of orders in the group
func (g *RecipientGroup) OrderCount() int {
	return len(g.Orders)
}

// DefaultName is the placeholder used when the first row of a group has no name.
// It matches the language of the storefront export headers.
const DefaultName = "Khách hàng"

// Columns names the spreadsheet headers used for grouping
type Columns struct {
	Email       []string // Priority order, first non-empty cell wins
	Phone       string
	Name        string
	DefaultName string
}

// DefaultColumns returns the storefront export headers
func DefaultColumns() Columns {
	return Columns{
		Email:       []string{"Email Address", "Email", "Email ", "email"},
		Phone:       "Số điện thoại",
		Name:        "Tên người nhận",
		DefaultName: DefaultName,
	}
}

// NormalizeEmail returns the grouping key for an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Roster is the grouping result. Groups keep first-seen order.
type Roster struct {
	order  []string
	groups map[string]*RecipientGroup
}

// Group builds a roster from rows. Rows without an email or a phone are dropped.
func Group(rows []OrderRow, cols Columns) *Roster {
	if cols.DefaultName == "" {
		cols.DefaultName = DefaultName
	}

	r := &Roster{groups: make(map[string]*RecipientGroup)}
	for _, row := range rows {
		email := NormalizeEmail(row.Value(cols.Email...))
		phone := row.Value(cols.Phone)
		if email == "" || phone == "" {
			continue
		}

		g, ok := r.groups[email]
		if !ok {
			name := row.Value(cols.Name)
			if name == "" {
				name = cols.DefaultName
			}
			g = &RecipientGroup{Email: email, Name: name, Phone: phone}
			r.groups[email] = g
			r.order = append(r.order, email)
		}
		g.Orders = append(g.Orders, row)
	}
	return r
}

// FromGroups builds a roster from existing groups, merging duplicates by email
func FromGroups(groups []RecipientGroup) *Roster {
	r := &Roster{groups: make(map[string]*RecipientGroup)}
	for i := range groups {
		email := NormalizeEmail(groups[i].Email)
		if email == "" {
			continue
		}
		if g, ok := r.groups[email]; ok {
			g.Orders = append(g.Orders, groups[i].Orders...)
			continue
		}
		g := groups[i]
		g.Email = email
		g.Orders = append([]OrderRow(nil), g.Orders...)
		r.groups[email] = &g
		r.order = append(r.order, email)
	}
	return r
}

// Len returns the number of distinct recipients
func (r *Roster) Len() int {
	return len(r.order)
}

// Groups returns the recipients in first-seen order
func (r *Roster) Groups() []*RecipientGroup {
	out := make([]*RecipientGroup, 0, len(r.order))
	for _, email := range r.order {
		out = append(out, r.groups[email])
	}
	return out
}

// Get looks up a recipient by email, normalizing the argument
func (r *Roster) Get(email string) (*RecipientGroup, bool) {
	g, ok := r.groups[NormalizeEmail(email)]
	return g, ok
}

// TotalOrders returns the number of rows kept across all groups
func (r *Roster) TotalOrders() int {
	n := 0
	for _, g := range r.groups {
		n += len(g.Orders)
	}
	return n
}
