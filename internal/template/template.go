package template

import (
	"github.com/foxzi/ordermail/internal/config"
	"github.com/foxzi/ordermail/internal/roster"
)

// MissingValue is rendered for order fields the sheet left blank
const MissingValue = "N/A"

// Template holds the three confirmation template sources
type Template struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Data is the value templates are executed against
type Data struct {
	Subject    string
	Sender     string
	Name       string
	Phone      string
	Email      string
	OrderCount int
	Orders     []Order
}

// Order is one numbered order block in a confirmation
type Order struct {
	Number int
	Fields []Field
}

// Field is a labelled order value
type Field struct {
	Label string
	Value string
}

// NewData builds template data for a recipient group. Orders are numbered
// from 1 in sheet order.
func NewData(group *roster.RecipientGroup, fields []config.OrderField) Data {
	d := Data{
		Name:       group.Name,
		Phone:      group.Phone,
		Email:      group.Email,
		OrderCount: len(group.Orders),
		Orders:     make([]Order, 0, len(group.Orders)),
	}

	for i, row := range group.Orders {
		order := Order{Number: i + 1, Fields: make([]Field, 0, len(fields))}
		for _, f := range fields {
			label := f.Label
			if label == "" {
				label = f.Column
			}
			value := row.Value(f.Column)
			if value == "" {
				value = MissingValue
			}
			order.Fields = append(order.Fields, Field{Label: label, Value: value})
		}
		d.Orders = append(d.Orders, order)
	}

	return d
}
