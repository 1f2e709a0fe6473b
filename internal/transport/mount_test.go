package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/a-h/templ"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/protocol"
)

func TestMount(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Mount("abc", `a"<b>`, 3, "<p>x &amp; y</p>").Render(context.Background(), &buf))
	assert.Equal(t,
		`<div data-liveweave-session="abc" data-liveweave-view="a&#34;&lt;b&gt;" data-liveweave-version="3"><p>x &amp; y</p></div>`,
		buf.String())
}

func TestTemplView(t *testing.T) {
	var n atomic.Int64
	n.Store(1)
	view := TemplView{Render: func(context.Context) (templ.Component, error) {
		return templ.Raw(fmt.Sprintf(`<p class="count">%d</p>`, n.Load())), nil
	}}
	srv := NewServer(map[string]View{"counter": view, "empty": TemplView{}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id, page := openView(t, ts.URL, "counter")
	assert.Contains(t, page, `data-liveweave-version="1"><p class="count">1</p></div>`)

	c := dial(t, ts.URL, id)
	n.Store(2)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(`{}`)))
	msg, err := protocol.Unmarshal(read(t, c))
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Version)
	require.Len(t, msg.Patches, 1)
	assert.Equal(t, "ReplaceText", msg.Patches[0].Type)
	assert.Equal(t, "2", *msg.Patches[0].Value)

	resp, err := http.Get(ts.URL + "/views/empty")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
