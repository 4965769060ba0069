package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
)

// Context — данные, доступные в шаблонах параметров стадии:
//
//	{{ .Inputs.market_id }}
//	{{ .Run.ID }} {{ .Run.Pipeline }}
//	{{ .Stage.ID }} {{ .Stage.Attempt }}
//	{{ .Now | ticker_date }}
type Context struct {
	Inputs map[string]any `json:"inputs"`
	Run    RunContext     `json:"run"`
	Stage  StageContext   `json:"stage"`

	// Now — время рендеринга в UTC.
	Now time.Time `json:"now"`
}

// RunContext — данные run, доступные в шаблонах.
type RunContext struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
}

// StageContext — данные стадии, доступные в шаблонах.
type StageContext struct {
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
}

// NewContext создаёт контекст с входными параметрами run.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{Inputs: inputs, Now: time.Now().UTC()}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,

	// cents переводит цену в долларах ("0.42") в центы (42).
	"cents": func(v any) (int64, error) {
		d, err := decimal.NewFromString(fmt.Sprint(v))
		if err != nil {
			return 0, err
		}
		return d.Shift(2).Round(0).IntPart(), nil
	},

	// ticker_date форматирует дату как в тикерах Kalshi: 26OCT16.
	"ticker_date": func(t time.Time) string {
		return strings.ToUpper(t.Format("06Jan02"))
	},

	"date": func(layout string, t time.Time) string {
		return t.Format(layout)
	},
}

// inputRef — шаблон из одной ссылки на вход run. Такое значение
// подставляется без преобразования в строку.
var inputRef = regexp.MustCompile(`^\{\{\s*\.Inputs\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// parsed кеширует разобранные шаблоны: параметры стадии рендерятся
// на каждой попытке.
var parsed sync.Map

func parse(tmpl string) (*template.Template, error) {
	if t, ok := parsed.Load(tmpl); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	parsed.Store(tmpl, t)
	return t, nil
}

// Render рендерит строковый шаблон.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// RenderValue рендерит значение параметра, рекурсивно проходя map и slice.
//
// Строка вида "{{ .Inputs.key }}" заменяется самим значением входа,
// сохраняя его тип (число, список, объект).
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		if m := inputRef.FindStringSubmatch(v); m != nil {
			in, ok := ctx.Inputs[m[1]]
			if !ok {
				return nil, fmt.Errorf("%w: input %q is not set", ErrTemplateRender, m[1])
			}
			return in, nil
		}
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", key, err)
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderParams рендерит параметры стадии. nil даёт пустую map.
func RenderParams(params map[string]any, ctx *Context) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(params, ctx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}
