package render

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/gofiber/template/html/v2"
	"github.com/valyala/bytebufferpool"
)

//go:embed templates/mail/*.html templates/text/*/*.txt
var embedFS embed.FS

// Renderer produces message bodies from named templates. Mail bodies are html
// templates, sms bodies and mail subjects are plain text. Templates found in
// the override directory take precedence over the embedded ones.
type Renderer struct {
	globals      map[string]any
	embedHTML    *html.Engine
	embedText    *template.Template
	overrideDir  string
	overrideHTML *html.Engine
}

func (r *Renderer) mergeVars(vars map[string]any) map[string]any {
	merged := make(map[string]any, len(r.globals)+len(vars))
	for k, v := range r.globals {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	return merged
}

// RenderHTML renders templates/mail/<name>.html.
func (r *Renderer) RenderHTML(name string, vars map[string]any) (string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	name = strings.TrimSuffix(name, ".html")
	merged := r.mergeVars(vars)
	if r.overrideHTML != nil {
		if err := r.overrideHTML.Render(buf, name, merged); err == nil {
			return buf.String(), nil
		}
		slog.Debug("Mail template override not usable, falling back to embedded", "name", name)
		buf.Reset()
	}
	if err := r.embedHTML.Render(buf, name, merged); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderText renders templates/text/<name>.txt, name being "sms/<template>"
// or "subject/<template>".
func (r *Renderer) RenderText(name string, vars map[string]any) (string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if !strings.HasSuffix(name, ".txt") {
		name += ".txt"
	}
	merged := r.mergeVars(vars)
	if r.overrideDir != "" {
		filePath := filepath.Join(r.overrideDir, "text", name)
		if contents, err := os.ReadFile(filePath); err == nil {
			if t, err := template.New(name).Parse(string(contents)); err == nil {
				if err := t.Execute(buf, merged); err == nil {
					return strings.TrimSpace(buf.String()), nil
				}
			}
			slog.Debug("Text template override not usable, falling back to embedded", "path", filePath)
			buf.Reset()
		}
	}
	if err := r.embedText.ExecuteTemplate(buf, name, merged); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func parseEmbeddedText() (*template.Template, error) {
	t := template.New("")
	err := fs.WalkDir(embedFS, "templates/text", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") {
			return err
		}
		content, err := embedFS.ReadFile(path)
		if err != nil {
			return err
		}
		// named by relative path, e.g. "sms/challenge_code.txt"
		_, err = t.New(strings.TrimPrefix(path, "templates/text/")).Parse(string(content))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}
	return t, nil
}

// New loads the embedded templates. overrideDir, when set, must be a directory
// laid out like the embedded tree (mail/*.html, text/*/*.txt).
func New(globals map[string]any, overrideDir string) (*Renderer, error) {
	mailFS, err := fs.Sub(embedFS, "templates/mail")
	if err != nil {
		return nil, err
	}
	embedHTML := html.NewFileSystem(http.FS(mailFS), ".html")
	if err := embedHTML.Load(); err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}
	embedText, err := parseEmbeddedText()
	if err != nil {
		return nil, err
	}

	r := &Renderer{
		globals:   globals,
		embedHTML: embedHTML,
		embedText: embedText,
	}
	if overrideDir != "" {
		info, err := os.Stat(overrideDir)
		if err != nil {
			return nil, fmt.Errorf("template directory does not exist: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("template path is not a directory: %s", overrideDir)
		}
		r.overrideDir = overrideDir
		if _, err := os.Stat(filepath.Join(overrideDir, "mail")); err == nil {
			r.overrideHTML = html.New(filepath.Join(overrideDir, "mail"), ".html")
		}
	}
	return r, nil
}
