// Package template loads request and response templates from a directory,
// keeps compiled templates in a TTL cache and renders them against call data.
package template

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/maypok86/otter/v2"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Error reports a template that could not be loaded, parsed or executed.
type Error struct {
	TemplateID string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template %s %s: %v", e.TemplateID, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config configures an Engine.
type Config struct {
	Directory string
	TTL       time.Duration
	MaxSize   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for cache load diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLoadHook registers a callback invoked after every compilation with
// "ok" or "error".
func WithLoadHook(h func(result string)) Option {
	return func(e *Engine) { e.onLoad = h }
}

// Engine renders templates by id. Compiled templates are cached for the
// configured TTL; concurrent misses for the same id compile once.
type Engine struct {
	dir    string
	cache  *otter.Cache[string, *texttemplate.Template]
	funcs  texttemplate.FuncMap
	logger *zap.Logger
	onLoad func(result string)
}

// New creates an Engine reading templates from cfg.Directory.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}

	cache, err := otter.New(&otter.Options[string, *texttemplate.Template]{
		MaximumSize:      cfg.MaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *texttemplate.Template](cfg.TTL),
	})
	if err != nil {
		return nil, fmt.Errorf("template: building cache: %w", err)
	}

	e := &Engine{
		dir:    cfg.Directory,
		cache:  cache,
		funcs:  FuncMap(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Render executes the template registered under id against data.
func (e *Engine) Render(ctx context.Context, id string, data any) (string, error) {
	tmpl, err := e.cache.Get(ctx, id, otter.LoaderFunc[string, *texttemplate.Template](e.load))
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return "", te
		}
		return "", &Error{TemplateID: id, Op: "load", Err: err}
	}
	return execute(id, tmpl, data)
}

// RenderString parses and executes an inline template. It is not cached.
func (e *Engine) RenderString(_ context.Context, src string, data any) (string, error) {
	tmpl, err := texttemplate.New("inline").Funcs(e.funcs).Parse(src)
	if err != nil {
		return "", &Error{TemplateID: "inline", Op: "parse", Err: err}
	}
	return execute("inline", tmpl, data)
}

// Invalidate drops a compiled template so the next Render reloads it.
func (e *Engine) Invalidate(id string) {
	e.cache.Invalidate(id)
}

// HealthCheck verifies that the template directory is readable.
func (e *Engine) HealthCheck(_ context.Context) error {
	info, err := os.Stat(e.dir)
	if err != nil {
		return fmt.Errorf("template directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template directory: %s is not a directory", e.dir)
	}
	return nil
}

func (e *Engine) load(_ context.Context, id string) (*texttemplate.Template, error) {
	tmpl, err := e.compile(id)
	result := "ok"
	if err != nil {
		result = "error"
		e.logger.Debug("template load failed", zap.String("template", id), zap.Error(err))
	} else {
		e.logger.Debug("template compiled", zap.String("template", id))
	}
	if e.onLoad != nil {
		e.onLoad(result)
	}
	return tmpl, err
}

func (e *Engine) compile(id string) (*texttemplate.Template, error) {
	path, err := e.resolve(id)
	if err != nil {
		return nil, &Error{TemplateID: id, Op: "load", Err: err}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{TemplateID: id, Op: "load", Err: err}
	}
	tmpl, err := texttemplate.New(id).Funcs(e.funcs).Parse(string(src))
	if err != nil {
		return nil, &Error{TemplateID: id, Op: "parse", Err: err}
	}
	return tmpl, nil
}

// resolve maps an id to <dir>/<id>, falling back to <dir>/<id>.tmpl.
func (e *Engine) resolve(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if id == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid template id %q", id)
	}

	path := filepath.Join(e.dir, clean)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, nil
	}
	withExt := path + ".tmpl"
	if _, err := os.Stat(withExt); err == nil {
		return withExt, nil
	}
	return "", fmt.Errorf("no template file %s or %s", path, withExt)
}

func execute(id string, tmpl *texttemplate.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &Error{TemplateID: id, Op: "execute", Err: err}
	}
	return buf.String(), nil
}

// FuncMap returns the sprig function library plus the gateway helpers
// toJSON, xmlEscape and get.
func FuncMap() texttemplate.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["toJSON"] = toJSON
	funcs["xmlEscape"] = xmlEscape
	funcs["get"] = get
	return funcs
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func xmlEscape(v any) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(cast.ToString(v))); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// get walks a dotted path through nested maps and slices. Missing segments
// yield nil.
func get(path string, data any) any {
	cur := data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			i, err := cast.ToIntE(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}
