package web

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/gridpilot/gridpilot/internal/store"
)

// transcriptTmpl renders a conversation as a static HTML page. Tool
// results and system messages are hidden, matching what a chat client
// would show.
var transcriptTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.msg { margin: 1rem 0; padding: 0.75rem 1rem; border-radius: 8px; }
.msg.user { background: #eef3fb; }
.msg.assistant { background: #f5f5f5; }
.role { font-size: 0.8rem; color: #666; margin-bottom: 0.25rem; }
h1 { font-size: 1.3rem; }
.meta { color: #888; font-size: 0.85rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Updated {{.Updated}}</p>
{{range .Messages}}<div class="msg {{.Role}}">
<div class="role">{{.Role}}</div>
<div>{{.Body}}</div>
</div>
{{end}}</body>
</html>
`))

type transcriptMessage struct {
	Role string
	Body template.HTML
}

type transcriptData struct {
	Title    string
	Updated  string
	Messages []transcriptMessage
}

// handleTranscript serves a read-only HTML view of one conversation,
// with message bodies rendered from Markdown.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("load conversation failed", "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	data := transcriptData{
		Title:   conv.Title,
		Updated: conv.UpdatedAt.Format(time.RFC1123),
	}
	for _, m := range conv.Messages {
		if m.Hidden() || m.Content == "" {
			continue
		}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(m.Content), &buf); err != nil {
			s.logger.Warn("markdown render failed", "error", err)
			buf.Reset()
			buf.WriteString(template.HTMLEscapeString(m.Content))
		}
		data.Messages = append(data.Messages, transcriptMessage{
			Role: m.Role,
			Body: template.HTML(buf.String()),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTmpl.Execute(w, data); err != nil {
		s.logger.Debug("transcript render failed", "error", err)
	}
}
