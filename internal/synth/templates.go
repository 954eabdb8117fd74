package synth

import (
	"fmt"
	"strings"
	"text/template"
)

// Fallback utterances, used whenever the language service cannot answer.
const utteranceTemplates = `
{{define "welcome"}}Hi there, welcome in! Tell me what you're craving or tap to browse the menu.{{end}}

{{define "listening"}}I'm listening. What would you like?{{end}}

{{define "clarify"}}Sorry, I didn't catch that. You can ask for a burger, fries or a drink, or say checkout when you're ready.{{end}}

{{define "results"}}
{{- if .Added}}Added {{.Added.Quantity}} {{.Added.Name}} to your order. Your total is ${{money .TotalCents}}.
{{- else if .EmptyCart}}Your cart is empty. What would you like to order?
{{- else if eq (len .Items) 1}}Here's the {{(index .Items 0).Name}} for ${{price (index .Items 0).Price}}.
{{- else if gt .Found (len .Items)}}Here are {{len .Items}} of the {{.Found}} options I found.
{{- else if .Items}}I found {{len .Items}} options for you.
{{- else if .MenuDown}}I'm having trouble reaching the menu right now. Please try again in a moment.
{{- else if .CartChanged}}Your order is updated. Your total is ${{money .TotalCents}}.
{{- else if .Suggestions}}Here are a few things you might like.
{{- else}}Is there anything else I can get you?{{end}}
{{- with .Notice}} Sorry, {{.}}.{{end}}
{{- with .Pitch}} {{.}}?{{end}}
{{- end}}

{{define "payment_failed"}}The payment didn't go through{{with .Notice}} ({{.}}){{end}}. Would you like to try again?{{end}}

{{define "complete"}}Thank you! Your order total was ${{money .TotalCents}}. Enjoy your meal!{{end}}

{{define "farewell"}}Thanks for stopping by!{{end}}
`

var funcs = template.FuncMap{
	"money": func(cents int64) string { return fmt.Sprintf("%d.%02d", cents/100, cents%100) },
	"price": func(p float64) string { return fmt.Sprintf("%.2f", p) },
}

var utterances = template.Must(template.New("utterances").Funcs(funcs).Parse(utteranceTemplates))

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := utterances.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
