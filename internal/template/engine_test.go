package template

import (
	"strings"
	"testing"

	"github.com/foxzi/ordermail/internal/config"
	"github.com/foxzi/ordermail/internal/roster"
)

func TestEngine_Validate(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name    string
		tmpl    *Template
		wantErr bool
	}{
		{
			name: "valid template",
			tmpl: &Template{
				Subject: "Hello {{.Name}}",
				Text:    "Welcome {{.Name}}!",
				HTML:    "<p>Welcome {{.Name}}!</p>",
			},
			wantErr: false,
		},
		{
			name: "invalid subject syntax",
			tmpl: &Template{
				Subject: "Hello {{.Name",
				Text:    "Welcome",
			},
			wantErr: true,
		},
		{
			name: "invalid text syntax",
			tmpl: &Template{
				Subject: "Hello",
				Text:    "Welcome {{.Name",
			},
			wantErr: true,
		},
		{
			name: "invalid html syntax",
			tmpl: &Template{
				Subject: "Hello",
				HTML:    "<p>Welcome {{.Name</p>",
			},
			wantErr: true,
		},
		{
			name: "empty template",
			tmpl: &Template{
				Subject: "",
				Text:    "",
				HTML:    "",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(tt.tmpl, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngine_Render(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name        string
		tmpl        *Template
		data        any
		wantSubject string
		wantText    string
		wantHTML    string
		wantErr     bool
	}{
		{
			name: "simple render",
			tmpl: &Template{
				Subject: "Hello {{.Name}}",
				Text:    "Welcome {{.Name}}!",
				HTML:    "<p>Welcome {{.Name}}!</p>",
			},
			data:        map[string]any{"Name": "John"},
			wantSubject: "Hello John",
			wantText:    "Welcome John!",
			wantHTML:    "<p>Welcome John!</p>",
			wantErr:     false,
		},
		{
			name: "missing variable",
			tmpl: &Template{
				Subject: "Hello {{.Name}}",
				Text:    "Welcome!",
			},
			data:        map[string]any{},
			wantSubject: "Hello <no value>",
			wantText:    "Welcome!",
			wantErr:     false,
		},
		{
			name: "html escaping",
			tmpl: &Template{
				Subject: "Test",
				HTML:    "<p>{{.Content}}</p>",
			},
			data:        map[string]any{"Content": "<script>alert('xss')</script>"},
			wantSubject: "Test",
			wantHTML:    "<p>&lt;script&gt;alert(&#39;xss&#39;)&lt;/script&gt;</p>",
			wantErr:     false,
		},
		{
			name: "complex data",
			tmpl: &Template{
				Subject: "Order #{{.OrderID}}",
				Text:    "Total: {{.Amount}} {{.Currency}}",
			},
			data: map[string]any{
				"OrderID":  12345,
				"Amount":   99.99,
				"Currency": "USD",
			},
			wantSubject: "Order #12345",
			wantText:    "Total: 99.99 USD",
			wantErr:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Render(tt.tmpl, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Render() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if result.Subject != tt.wantSubject {
				t.Errorf("Render() subject = %v, want %v", result.Subject, tt.wantSubject)
			}
			if tt.wantText != "" && result.Text != tt.wantText {
				t.Errorf("Render() text = %v, want %v", result.Text, tt.wantText)
			}
			if tt.wantHTML != "" && result.HTML != tt.wantHTML {
				t.Errorf("Render() html = %v, want %v", result.HTML, tt.wantHTML)
			}
		})
	}
}

func TestEngine_ValidateWithSample(t *testing.T) {
	engine := NewEngine()

	if err := engine.Validate(&Template{Subject: "Hello {{.Name}}"}, sampleData); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := engine.Validate(&Template{Subject: "Hello {{.Nmae}}"}, sampleData); err == nil {
		t.Error("Validate() expected error for unknown field")
	}
}

func TestEngine_RenderDefault(t *testing.T) {
	engine := NewEngine()
	group := &roster.RecipientGroup{
		Email: "an@example.com",
		Name:  "An <Nguyen>",
		Phone: "0901234567",
		Orders: []roster.OrderRow{
			{"Combo": "2", "Address": "12 Tran Phu"},
			{"Combo": "1"},
		},
	}
	fields := []config.OrderField{
		{Column: "Combo", Label: "Combo quantity"},
		{Column: "Address", Label: "Delivery address"},
	}

	data := NewData(group, fields)
	data.Subject = "Order confirmed"
	data.Sender = "Story Shop"

	result, err := engine.Render(Default(), data)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if result.Subject != "Order confirmed" {
		t.Errorf("Render() subject = %q, want Order confirmed", result.Subject)
	}
	for _, want := range []string{"Order 1", "Order 2", "12 Tran Phu", "An &lt;Nguyen&gt;", "Story Shop"} {
		if !strings.Contains(result.HTML, want) {
			t.Errorf("Render() html missing %q", want)
		}
	}
	for _, want := range []string{"Hello An <Nguyen>,", "- Combo quantity: 2", "- Delivery address: N/A", "Phone: 0901234567"} {
		if !strings.Contains(result.Text, want) {
			t.Errorf("Render() text missing %q", want)
		}
	}
}

func TestNewData(t *testing.T) {
	group := &roster.RecipientGroup{
		Email:  "an@example.com",
		Name:   "An",
		Orders: []roster.OrderRow{{"Combo": " 3 "}, {}},
	}
	data := NewData(group, []config.OrderField{{Column: "Combo"}})

	if data.OrderCount != 2 {
		t.Fatalf("OrderCount = %d, want 2", data.OrderCount)
	}
	if data.Orders[1].Number != 2 {
		t.Errorf("Orders[1].Number = %d, want 2", data.Orders[1].Number)
	}
	first := data.Orders[0].Fields[0]
	if first.Label != "Combo" || first.Value != "3" {
		t.Errorf("Orders[0].Fields[0] = %+v, want label Combo value 3", first)
	}
	if got := data.Orders[1].Fields[0].Value; got != MissingValue {
		t.Errorf("blank field = %q, want %q", got, MissingValue)
	}
}

func TestCompiled_SubjectSingleLine(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Render(&Template{Subject: "Order for {{.Name}}"}, Data{Name: "An\r\nBcc: x@example.com"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if want := "Order for An Bcc: x@example.com"; result.Subject != want {
		t.Errorf("Render() subject = %q, want %q", result.Subject, want)
	}
}

func TestCompiled_ExecuteMany(t *testing.T) {
	engine := NewEngine()

	c, err := engine.Compile(&Template{
		Subject: "Confirmation for {{.Name}}",
		Text:    "{{.OrderCount}} order(s)",
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	for _, name := range []string{"An", "Binh"} {
		result, err := c.Execute(Data{Name: name, OrderCount: 2})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if result.Subject != "Confirmation for "+name {
			t.Errorf("Execute() subject = %q", result.Subject)
		}
		if result.Text != "2 order(s)" {
			t.Errorf("Execute() text = %q", result.Text)
		}
		if result.HTML != "" {
			t.Errorf("Execute() html = %q, want empty", result.HTML)
		}
	}
}

func TestEngine_CompileError(t *testing.T) {
	engine := NewEngine()

	_, err := engine.Compile(&Template{Subject: "ok", HTML: "<p>{{.Name</p>"})
	if err == nil || !strings.Contains(err.Error(), "invalid html template") {
		t.Errorf("Compile() error = %v, want invalid html template", err)
	}
}
