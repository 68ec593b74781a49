package streamlabs

// HTML result pages rendered by the OAuth callback.

import (
	"fmt"
	"html/template"
	"io"
)

const resultPageHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:Inter,Segoe UI,system-ui,sans-serif;background:#0b1220;color:#e4ecf6;padding:2rem;line-height:1.6}
a{color:#7cc4ff}
code{background:#111a2b;padding:.1rem .35rem;border-radius:4px}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}{{if .ShowLinks}}<p><a href="/api/streamlabs/total">Test donations endpoint</a></p>
<p><a href="/">Back to home page</a></p>
{{end}}</body>
</html>
`

var resultPage = template.Must(template.New("result").Parse(resultPageHTML))

// resultPageData drives the callback result page.
type resultPageData struct {
	Title      string
	Paragraphs []template.HTML
	ShowLinks  bool
}

func renderResultPage(w io.Writer, data resultPageData) error {
	return resultPage.Execute(w, data)
}

// para builds a paragraph from a trusted markup format string and untrusted
// values, escaping the values.
func para(format string, values ...string) template.HTML {
	escaped := make([]interface{}, len(values))
	for i, value := range values {
		escaped[i] = template.HTMLEscapeString(value)
	}
	return template.HTML(fmt.Sprintf(format, escaped...))
}
