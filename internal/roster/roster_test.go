package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(email, phone, name string) OrderRow {
	r := OrderRow{}
	if email != "" {
		r["Email Address"] = email
	}
	if phone != "" {
		r["Số điện thoại"] = phone
	}
	if name != "" {
		r["Tên người nhận"] = name
	}
	return r
}

func TestGroupNormalizesEmail(t *testing.T) {
	rows := []OrderRow{
		row("A@x.com ", "0901", "Anna"),
		row("a@x.com", "0902", "Other"),
	}

	r := Group(rows, DefaultColumns())

	require.Equal(t, 1, r.Len())
	g, ok := r.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "a@x.com", g.Email)
	assert.Equal(t, "Anna", g.Name)
	assert.Equal(t, "0901", g.Phone)
	assert.Len(t, g.Orders, 2)
	assert.Equal(t, 2, r.TotalOrders())
}

func TestGroupDropsPartialRows(t *testing.T) {
	rows := []OrderRow{
		row("one@x.com", "0901", "One"),
		row("", "0902", "No email"),
		row("three@x.com", "", "No phone"),
		row("  ", "0904", "Blank email"),
		row("five@x.com", "0905", ""),
		row("one@x.com", "0901", ""),
	}

	r := Group(rows, DefaultColumns())

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 3, r.TotalOrders())

	g, ok := r.Get("five@x.com")
	require.True(t, ok)
	assert.Equal(t, DefaultName, g.Name)

	_, ok = r.Get("three@x.com")
	assert.False(t, ok)
}

func TestGroupKeepsFirstSeenOrder(t *testing.T) {
	rows := []OrderRow{
		row("c@x.com", "1", ""),
		row("a@x.com", "2", ""),
		row("C@X.COM", "1", ""),
		row("b@x.com", "3", ""),
	}

	groups := Group(rows, DefaultColumns()).Groups()

	require.Len(t, groups, 3)
	assert.Equal(t, "c@x.com", groups[0].Email)
	assert.Equal(t, "a@x.com", groups[1].Email)
	assert.Equal(t, "b@x.com", groups[2].Email)
	assert.Equal(t, 2, groups[0].OrderCount())
}

func TestGroupEmailColumnPriority(t *testing.T) {
	tests := []struct {
		name string
		row  OrderRow
		want string
	}{
		{
			name: "email address wins",
			row:  OrderRow{"Email Address": "first@x.com", "Email": "second@x.com", "Số điện thoại": "1"},
			want: "first@x.com",
		},
		{
			name: "empty cell falls through",
			row:  OrderRow{"Email Address": " ", "Email": "second@x.com", "Số điện thoại": "1"},
			want: "second@x.com",
		},
		{
			name: "trailing space header",
			row:  OrderRow{"Email ": "third@x.com", "Số điện thoại": "1"},
			want: "third@x.com",
		},
		{
			name: "lowercase header",
			row:  OrderRow{"email": "Fourth@X.com", "Số điện thoại": "1"},
			want: "fourth@x.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Group([]OrderRow{tt.row}, DefaultColumns())
			require.Equal(t, 1, r.Len())
			assert.Equal(t, tt.want, r.Groups()[0].Email)
		})
	}
}

func TestGroupCustomColumns(t *testing.T) {
	cols := Columns{Email: []string{"Mail"}, Phone: "Tel", Name: "Who", DefaultName: "Friend"}
	rows := []OrderRow{
		{"Mail": "x@y.com", "Tel": "42"},
		{"Email Address": "ignored@y.com", "Tel": "43"},
	}

	r := Group(rows, cols)

	require.Equal(t, 1, r.Len())
	assert.Equal(t, "Friend", r.Groups()[0].Name)
}

func TestGroupPlaceholderName(t *testing.T) {
	rows := []OrderRow{
		row("a@x.com", "0901", ""),
		row("a@x.com", "0901", "Late name"),
	}

	r := Group(rows, Columns{Email: []string{"Email Address"}, Phone: "Số điện thoại", Name: "Tên người nhận"})

	require.Equal(t, 1, r.Len())
	assert.Equal(t, "Khách hàng", r.Groups()[0].Name)
	assert.Equal(t, "Khách hàng", DefaultColumns().DefaultName)
}

func TestGroupEmpty(t *testing.T) {
	r := Group(nil, DefaultColumns())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Groups())
	assert.Equal(t, 0, r.TotalOrders())
}

func TestFromGroups(t *testing.T) {
	r := FromGroups([]RecipientGroup{
		{Email: "B@x.com", Name: "B", Phone: "1", Orders: []OrderRow{{"k": "1"}}},
		{Email: "b@x.com", Name: "B2", Phone: "2", Orders: []OrderRow{{"k": "2"}}},
		{Email: "", Name: "none"},
		{Email: "a@x.com", Name: "A", Phone: "3", Orders: []OrderRow{{"k": "3"}}},
	})

	require.Equal(t, 2, r.Len())
	g, ok := r.Get("b@x.com")
	require.True(t, ok)
	assert.Equal(t, "B", g.Name)
	assert.Len(t, g.Orders, 2)
	assert.Equal(t, "a@x.com", r.Groups()[1].Email)
}
