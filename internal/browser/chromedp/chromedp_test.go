package chromedp

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToHTTPCookies(t *testing.T) {
	t.Parallel()

	got := toHTTPCookies([]*network.Cookie{
		{Name: "sid", Value: "abc", Domain: ".portal.example.com", Path: "/", HTTPOnly: true, Secure: true, Session: true},
		{Name: "lang", Value: "he", Domain: "portal.example.com", Path: "/", Expires: 1700000000},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "portal.example.com", got[0].Domain)
	assert.True(t, got[0].HttpOnly)
	assert.True(t, got[0].Secure)
	assert.True(t, got[0].Expires.IsZero())
	assert.Equal(t, time.Unix(1700000000, 0), got[1].Expires)
}

func TestFrameURL(t *testing.T) {
	t.Parallel()

	loaded := &cdp.Node{ContentDocument: &cdp.Node{DocumentURL: "https://a.example.com/inner.aspx"}}
	assert.Equal(t, "https://a.example.com/inner.aspx", frameURL("https://a.example.com/", loaded))

	pending := &cdp.Node{Attributes: []string{"src", "files/list.html"}}
	assert.Equal(t, "https://a.example.com/dir/files/list.html", frameURL("https://a.example.com/dir/", pending))

	blank := &cdp.Node{}
	assert.Equal(t, "https://a.example.com/", frameURL("https://a.example.com/", blank))
}

func TestDetachedFrame(t *testing.T) {
	t.Parallel()

	sameOrigin := &cdp.Node{
		Attributes:      []string{"src", "/inner.aspx"},
		ContentDocument: &cdp.Node{DocumentURL: "https://a.example.com/inner.aspx"},
	}
	_, detached := detachedFrame("https://a.example.com/", sameOrigin)
	assert.False(t, detached)

	crossOrigin := &cdp.Node{Attributes: []string{"src", "https://files.example.net/list.aspx?code=7"}}
	target, detached := detachedFrame("https://a.example.com/", crossOrigin)
	assert.True(t, detached)
	assert.Equal(t, "https://files.example.net/list.aspx?code=7", target)

	_, detached = detachedFrame("https://a.example.com/", &cdp.Node{})
	assert.False(t, detached, "no src")

	_, detached = detachedFrame("https://a.example.com/", &cdp.Node{Attributes: []string{"src", "javascript:void(0)"}})
	assert.False(t, detached)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	b := New(Config{Headless: true}, nil)
	defer b.Close()
	assert.Equal(t, 45*time.Second, b.cfg.NavigationTimeout)
	assert.NotNil(t, b.downloads)
}
