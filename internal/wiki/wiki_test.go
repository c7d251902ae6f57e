package wiki

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemPage = `<html><body>
<div id="page-title">Kings Echo</div>
<div id="page-content">
<p><img src="http://aqwwiki.wikidot.com/local--files/image-tags/legendlarge.png"></p>
<p><strong>Locations:</strong></p>
<ul><li>Shadowfall Merge Shop</li><li>Doomwood Shop</li></ul>
<p><strong>Price:</strong> 500 AC<br>
<strong>Sellback:</strong> 125 AC<br>
<strong>Rarity:</strong> Rare<br>
<strong>Base Damage:</strong> 27-33<br>
<strong>Item Type:</strong> Sword<br>
<strong>Required Level:</strong> 10<br>
<strong>Description:</strong> A blade that remembers every king it served.<br>
<strong>Description:</strong> A second description that should be ignored.</p>
<h2>Notes</h2>
<ul><li>Also see Kings Echo (Rare).</li><li>ok</li></ul>
<p>Released January 1, 2020 as part of an event.</p>
<h2>Thanks to</h2>
<p>Someone for the screenshots.</p>
</div>
</body></html>`

const disambiguationPage = `<html><body>
<div id="page-title">Echo</div>
<div id="page-content">
<p>Echo refers to several items and monsters in the game world.</p>
<ul><li><a href="/kings-echo">Kings Echo</a></li><li><a href="/echo-monster">Echo (Monster)</a></li><li><a href="http://example.com">External</a></li></ul>
</div>
</body></html>`

const missingPage = `<html><body><div id="page-content"><p>The page you want to access does not exist.</p></div></body></html>`

func TestSlugVariations(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"kings echo", []string{"kings-echo", "king-s-echo"}},
		{"King's Echo", []string{"king-s-echo", "kings-echo"}},
		{"  Void   Highlord!! ", []string{"void-highlord"}},
		{"Legion Revenant", []string{"legion-revenant"}},
		{"!!!", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SlugVariations(tt.in), "SlugVariations(%q)", tt.in)
	}
}

func TestParse_ItemPage(t *testing.T) {
	page, err := Parse([]byte(itemPage), DefaultBaseURL)
	require.NoError(t, err)

	assert.Equal(t, "Kings Echo", page.Title)
	assert.True(t, page.MemberOnly)
	assert.True(t, page.ACOnly)
	assert.Equal(t, "500 AC", page.Price)
	assert.Equal(t, "125 AC", page.Sellback)
	assert.Equal(t, "Rare", page.Rarity)
	assert.Equal(t, "27-33", page.Damage)
	assert.Equal(t, "Sword", page.Type)
	assert.Equal(t, "10", page.Level)
	assert.Equal(t, "A blade that remembers every king it served.", page.Description)
	assert.Equal(t, []string{"Shadowfall Merge Shop", "Doomwood Shop"}, page.Locations)
	assert.Equal(t, []string{"Also see Kings Echo (Rare).", "Released January 1, 2020 as part of an event."}, page.Notes)
	assert.False(t, page.Disambiguation)
}

func TestParse_Disambiguation(t *testing.T) {
	page, err := Parse([]byte(disambiguationPage), DefaultBaseURL)
	require.NoError(t, err)

	assert.True(t, page.Disambiguation)
	assert.Equal(t, "Echo refers to several items and monsters in the game world.", page.Description)
	assert.Equal(t, []Link{
		{Name: "Kings Echo", URL: DefaultBaseURL + "/kings-echo"},
		{Name: "Echo (Monster)", URL: DefaultBaseURL + "/echo-monster"},
	}, page.RelatedItems)
}

func TestParse_NotFound(t *testing.T) {
	_, err := Parse([]byte(missingPage), DefaultBaseURL)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Parse([]byte(`<html><body><p>no content div</p></body></html>`), DefaultBaseURL)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Parse([]byte(`<div id="page-content">short</div>`), DefaultBaseURL)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_LookupTriesSlugVariations(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		if r.URL.Path != "/king-s-echo" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(itemPage))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	page, err := c.Lookup(context.Background(), "kings echo")
	require.NoError(t, err)

	assert.Equal(t, []string{"/kings-echo", "/king-s-echo"}, requested)
	assert.Equal(t, srv.URL+"/king-s-echo", page.URL)
	assert.Equal(t, "Sword", page.Type)
}

func TestClient_LookupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(missingPage))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Lookup(context.Background(), "nothing here")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewClient(srv.URL, time.Second).Lookup(context.Background(), "???")
	assert.ErrorIs(t, err, ErrNotFound)
}
