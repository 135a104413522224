package form

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/form.html
var templates embed.FS

// View carries per-request values the browser script needs to submit the form.
type View struct {
	Nonce     string
	PublicKey string
	AjaxURL   string
	TestMode  bool
}

type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templates, "templates/form.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) Render(def *Definition, view View) (string, error) {
	var buf bytes.Buffer
	err := r.tmpl.ExecuteTemplate(&buf, "form", struct {
		Form        *Definition
		View        View
		ButtonLabel string
	}{
		Form:        def,
		View:        view,
		ButtonLabel: ButtonLabel(def),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ButtonLabel renders e.g. "Pay 25.00 USD".
func ButtonLabel(def *Definition) string {
	return fmt.Sprintf("Pay %s %s", def.Amount.StringFixed(2), strings.ToUpper(def.Currency))
}
