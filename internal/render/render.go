// Package render turns a stored message template and a recipient's
// variables into the subject and body handed to a provider.
//
// Templates use Go template syntax over a flat variable map, for example
// "Hello {{.customer_first_name}}, your code is {{.coupon_code}}". HTML
// bodies are rendered with html/template so variables are escaped.
package render

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"blastengine/internal/types"
)

// TemplateStore looks up message templates.
type TemplateStore interface {
	// GetTemplate returns a template by id, or a not_found AppError.
	GetTemplate(ctx context.Context, id string) (*types.Template, error)
	// FindActiveTemplate returns the first active template for the business,
	// channel and locale, or a not_found AppError.
	FindActiveTemplate(ctx context.Context, businessID string, channel types.Channel, locale string) (*types.Template, error)
}

// Request identifies what to render.
type Request struct {
	// TemplateID pins a template; when empty the active template for
	// BusinessID, Channel and Locale is used.
	TemplateID string
	BusinessID string
	Channel    types.Channel
	Locale     string
	Vars       map[string]any
}

// Renderer renders templates from a TemplateStore.
type Renderer struct {
	store  TemplateStore
	logger types.Logger
}

// NewRenderer creates a Renderer.
func NewRenderer(store TemplateStore, logger types.Logger) *Renderer {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Renderer{store: store, logger: logger}
}

// Render resolves the template and executes it against req.Vars. When no
// template exists the fallback message built from business_name and
// campaign_name is returned.
func (r *Renderer) Render(ctx context.Context, req Request) (types.RenderedMessage, error) {
	tmpl, err := r.lookup(ctx, req)
	if err != nil {
		if !types.IsNotFound(err) {
			return types.RenderedMessage{}, err
		}
		r.logger.Warn("no active template, using fallback text",
			"template_id", req.TemplateID,
			"channel", req.Channel,
			"locale", req.Locale,
		)
		return Fallback(req.Vars), nil
	}

	subject, err := execText(tmpl.ID+":subject", tmpl.Subject, req.Vars)
	if err != nil {
		return types.RenderedMessage{}, err
	}
	body, err := execText(tmpl.ID+":body", tmpl.BodyText, req.Vars)
	if err != nil {
		return types.RenderedMessage{}, err
	}
	out := types.RenderedMessage{TemplateID: tmpl.ID, Subject: subject, Body: body}
	if tmpl.BodyHTML != "" {
		var buf bytes.Buffer
		t, err := htmltemplate.New(tmpl.ID + ":html").Option("missingkey=zero").Parse(tmpl.BodyHTML)
		if err != nil {
			return types.RenderedMessage{}, templateError(tmpl.ID, err)
		}
		if err := t.Execute(&buf, req.Vars); err != nil {
			return types.RenderedMessage{}, templateError(tmpl.ID, err)
		}
		out.BodyHTML = strings.ReplaceAll(buf.String(), "&lt;no value&gt;", "")
	}
	return out, nil
}

func (r *Renderer) lookup(ctx context.Context, req Request) (*types.Template, error) {
	if req.TemplateID != "" {
		t, err := r.store.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return nil, err
		}
		if !t.IsActive {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "template is inactive", nil)
		}
		return t, nil
	}
	locale := req.Locale
	if locale == "" {
		locale = types.DefaultLocale
	}
	return r.store.FindActiveTemplate(ctx, req.BusinessID, req.Channel, locale)
}

func execText(name, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", templateError(name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", templateError(name, err)
	}
	return strings.ReplaceAll(buf.String(), noValue, ""), nil
}

// noValue is what text/template prints for a key missing from a map.
const noValue = "<no value>"

func templateError(name string, err error) error {
	return types.NewAppError(types.ErrCodeValidationInvalidTemplate, fmt.Sprintf("template %s failed to render", name), err)
}

// Fallback is the message sent when a business has no template for the
// channel and locale.
func Fallback(vars map[string]any) types.RenderedMessage {
	business, _ := vars["business_name"].(string)
	campaign, _ := vars["campaign_name"].(string)
	return types.RenderedMessage{
		Subject: fmt.Sprintf("Сообщение от %s", business),
		Body:    fmt.Sprintf("Уважаемый клиент, у нас есть предложение для вас! %s", campaign),
	}
}
