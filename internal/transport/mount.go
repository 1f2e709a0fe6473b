package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"

	"github.com/conneroisu/liveweave/internal/errors"
)

// Mount wraps the first render of a view in the element the client script
// attaches to. body is rendered HTML and is written unescaped.
func Mount(session, view string, version int, body string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<div data-liveweave-session="%s" data-liveweave-view="%s" data-liveweave-version="%d">`,
			templ.EscapeString(session), templ.EscapeString(view), version)
		if err != nil {
			return err
		}
		if err := templ.Raw(body).Render(ctx, w); err != nil {
			return err
		}
		_, err = io.WriteString(w, "</div>")
		return err
	})
}

// TemplView is a View rendered by a templ component instead of template
// text. Render is called on every cycle.
type TemplView struct {
	Render func(ctx context.Context) (templ.Component, error)
}

// Template returns no text; the component is the page.
func (TemplView) Template() string { return "" }

// Context returns no data.
func (TemplView) Context(context.Context) (map[string]interface{}, error) { return nil, nil }

// Component returns the component for this cycle.
func (v TemplView) Component(ctx context.Context) (templ.Component, error) {
	if v.Render == nil {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFailed, "templ view has no Render func")
	}
	return v.Render(ctx)
}
