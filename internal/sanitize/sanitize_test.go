package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLStripsScripts(t *testing.T) {
	out := HTML(`<p>hello <script>alert(1)</script>world</p>`)
	assert.Equal(t, `<p>hello world</p>`, out)
}

func TestHTMLKeepsFormatting(t *testing.T) {
	in := `<p><strong>bold</strong> and <em>italic</em> and <code>code</code></p>`
	assert.Equal(t, in, HTML(in))
}

func TestHTMLKeepsMentionMarkup(t *testing.T) {
	in := `<p><span class="h-card"><a href="https://remote.example/users/bob" class="u-url mention">@bob</a></span></p>`
	out := HTML(in)
	assert.Contains(t, out, `class="h-card"`)
	assert.Contains(t, out, `class="u-url mention"`)
	assert.Contains(t, out, `href="https://remote.example/users/bob"`)
}

func TestHTMLDropsUnknownClassesAndAttrs(t *testing.T) {
	out := HTML(`<p><a href="https://x.example" class="tracking-pixel" onclick="evil()">x</a></p>`)
	assert.NotContains(t, out, "tracking-pixel")
	assert.NotContains(t, out, "onclick")
	assert.Contains(t, out, `href="https://x.example"`)
}

func TestHTMLDropsImages(t *testing.T) {
	out := HTML(`<p>text<img src="https://x.example/pixel.png"></p>`)
	assert.NotContains(t, out, "img")
	assert.Contains(t, out, "text")
}

func TestHTMLRejectsJavascriptURLs(t *testing.T) {
	out := HTML(`<a href="javascript:alert(1)">x</a>`)
	assert.NotContains(t, out, "javascript")
}

func TestHTMLIdempotent(t *testing.T) {
	in := `<p>hi <a href="https://x.example" rel="noopener">link</a> <span class="hashtag">#go</span></p>`
	once := HTML(in)
	assert.Equal(t, once, HTML(once))
}

func TestText(t *testing.T) {
	assert.Equal(t, "plain summary", Text(`  <p>plain <b>summary</b></p> `))
	assert.Equal(t, "", Text(`<script>x</script>`))
}
