package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/">
  <channel>
    <title>Search: aurora</title>
    <item>
      <title>Aurora</title>
      <link>/content/wikipedia_en_all/A/Aurora</link>
      <description>An &lt;b&gt;aurora&lt;/b&gt; is a natural light display   in the sky.</description>
    </item>
    <item>
      <title>Aurora Borealis</title>
      <link>/content/wikipedia_en_all/A/Aurora_Borealis</link>
      <description>The northern lights.</description>
    </item>
  </channel>
</rss>`

func TestQueryReturnsSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "aurora", r.URL.Query().Get("pattern"))
		assert.Equal(t, "wikipedia_en_all", r.URL.Query().Get("books.name"))
		assert.Equal(t, "xml", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	k := NewKiwix(Options{BaseURL: srv.URL + "/", Book: "wikipedia_en_all"}, nil)
	snippet, ok, err := k.Query(context.Background(), "What is the aurora?")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Aurora: An aurora is a natural light display in the sky.\nAurora Borealis: The northern lights.", snippet)
}

func TestQueryClipsToMaxChars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	k := NewKiwix(Options{BaseURL: srv.URL, MaxChars: 20}, nil)
	snippet, ok, err := k.Query(context.Background(), "aurora")
	require.NoError(t, err)
	require.True(t, ok)
	assert.LessOrEqual(t, len(snippet), 20)
	assert.True(t, strings.HasPrefix(snippet, "Aurora: An"))
}

func TestQueryMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<rss><channel><title>none</title></channel></rss>`))
	}))
	defer srv.Close()

	k := NewKiwix(Options{BaseURL: srv.URL}, nil)
	_, ok, err := k.Query(context.Background(), "zzzz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	k := NewKiwix(Options{BaseURL: srv.URL}, nil)
	_, ok, err := k.Query(context.Background(), "aurora")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSearchTerms(t *testing.T) {
	tests := map[string]string{
		"What is the aurora?":           "aurora",
		"how does a radio work":         "radio work",
		"Tell me about LoRa modulation": "LoRa modulation",
		"define duty cycle.":            "duty cycle",
		"mesh networking":               "mesh networking",
		"   ?":                          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, searchTerms(in), in)
	}
}
