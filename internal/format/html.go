package format

import (
	"html"
	"strings"

	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/models"
)

// FormatPlainFallback renders the same information as FormatRichCard as an
// HTML message body without attachments.
func FormatPlainFallback(ev models.NormalizedEvent) *graph.ChatMessage {
	var b strings.Builder

	b.WriteString("<p>")
	b.WriteString(html.EscapeString(header(ev)))
	b.WriteString("</p><h3>")
	b.WriteString(html.EscapeString(title(ev)))
	b.WriteString("</h3><ul>")
	for _, f := range facts(ev) {
		b.WriteString("<li><b>")
		b.WriteString(html.EscapeString(f.Title))
		b.WriteString(":</b> ")
		b.WriteString(html.EscapeString(f.Value))
		b.WriteString("</li>")
	}
	b.WriteString("</ul><p>")
	b.WriteString(strings.ReplaceAll(html.EscapeString(description(ev)), "\n", "<br>"))
	b.WriteString("</p>")

	if link, ok := actionURL(ev.URL); ok {
		b.WriteString(`<p><a href="`)
		b.WriteString(html.EscapeString(link))
		b.WriteString(`">Open pull request</a></p>`)
	}

	return &graph.ChatMessage{
		Body: graph.ItemBody{
			ContentType: graph.ContentTypeHTML,
			Content:     b.String(),
		},
	}
}
