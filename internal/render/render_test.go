package render

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Placeholders(t *testing.T) {
	fields := RecipientFields(model.Recipient{FirstName: "Ann", Company: "Acme", Email: "ann@example.com"})

	got := Render("Hi {{FirstName}} from {{ Company }} <{{Email}}>, {{Unknown}}", fields)
	assert.Equal(t, "Hi Ann from Acme <ann@example.com>, {{Unknown}}", got)

	assert.Equal(t, "Dear ,", Render("Dear {{LastName}},", fields), "known but empty key renders empty")
}

func TestRender_Conditionals(t *testing.T) {
	tpl := "Hello{{#if FirstName}} {{FirstName}}{{else}} there{{/if}}!{{#if Company}} ({{Company}}){{/if}}"

	assert.Equal(t, "Hello Ann! (Acme)", Render(tpl, map[string]string{"FirstName": "Ann", "Company": "Acme"}))
	assert.Equal(t, "Hello there!", Render(tpl, map[string]string{}))
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{FirstName}} {{Company}} {{FirstName}} {{#if JobTitle}}x{{/if}}")
	assert.Equal(t, []string{"FirstName", "Company"}, got)
}

func TestTrackingID_RoundTrip(t *testing.T) {
	at := time.UnixMilli(1767261600000)
	id := TrackingID(42, 7, at)
	assert.Equal(t, "42-7-1767261600000", id)

	c, k, ok := ParseTrackingID(id)
	assert.True(t, ok)
	assert.Equal(t, int64(42), c)
	assert.Equal(t, int64(7), k)

	_, _, ok = ParseTrackingID("garbage")
	assert.False(t, ok)
	_, _, ok = ParseTrackingID("a-b-c")
	assert.False(t, ok)
}

func TestInjectOpenPixel(t *testing.T) {
	pixel := `<img src="https://mail.example.com/t/open/1-2-3" width="1" height="1" alt="" style="display:none;" />`

	withBody := InjectOpenPixel("<html><body><p>x</p></BODY></html>", "https://mail.example.com/", "1-2-3")
	assert.Equal(t, "<html><body><p>x</p>"+pixel+"</BODY></html>", withBody)

	fragment := InjectOpenPixel("<p>x</p>", "https://mail.example.com", "1-2-3")
	assert.Equal(t, "<p>x</p>"+pixel, fragment)
}

func TestInjectOpenPixel_NonASCIIBody(t *testing.T) {
	pixel := `<img src="https://mail.example.com/t/open/1-2-3" width="1" height="1" alt="" style="display:none;" />`

	for _, name := range []string{
		strings.Repeat("Ⱥ", 20), // lowercases to a longer encoding
		strings.Repeat("İ", 12), // lowercases to a shorter encoding
	} {
		body := Render("<html><body>Merhaba {{Company}}</body></html>", RecipientFields(model.Recipient{Company: name}))

		var got string
		require.NotPanics(t, func() { got = InjectOpenPixel(body, "https://mail.example.com", "1-2-3") })
		assert.Equal(t, "<html><body>Merhaba "+name+pixel+"</body></html>", got)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestInjectClickTracking(t *testing.T) {
	html := `<a href="https://a.example/x">A</a> <A HREF="https://b.example/?q=1">B</A> ` +
		`<a href="mailto:hi@example.com">M</a> <a href="#top">T</a>`

	got := InjectClickTracking(html, 5, 9)
	assert.Equal(t,
		`<a href="https://a.example/x?utm_campaign=5&utm_contact=9">A</a> `+
			`<A HREF="https://b.example/?q=1&utm_campaign=5&utm_contact=9">B</A> `+
			`<a href="mailto:hi@example.com">M</a> <a href="#top">T</a>`,
		got)
}
