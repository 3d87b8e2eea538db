package proxy

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSections(t *testing.T) {
	g := setupTestGateway(t, nil)

	t.Run("TwoSections", func(t *testing.T) {
		// Query order does not matter; the response order is fixed.
		rec := g.do(http.MethodGet, "/cache?bad-groups&symmetric-groups", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.True(t, strings.HasPrefix(body, "{\n"), body)
		assert.True(t, strings.HasSuffix(body, "\n}\n"), body)
		assert.Contains(t, body, `"symmetric-groups" : `)
		assert.Contains(t, body, `"bad-groups" : []`)
		assert.NotContains(t, body, "group-weights")
		assert.Less(t,
			strings.Index(body, "symmetric-groups"),
			strings.Index(body, "bad-groups"))
	})

	t.Run("AllSections", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/cache?group-weights&symmetric-groups&bad-groups&cache-groups", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 3, strings.Count(rec.Body.String(), ",\n"))
	})

	t.Run("NoSections", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/cache", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "{\n}\n", rec.Body.String())
	})
}

func TestStatLog(t *testing.T) {
	g := setupTestGateway(t, nil)

	rec := g.do(http.MethodGet, "/stat-log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, `<?xml version="1.0" encoding="utf-8"?><data>`+"\n"), body)
	assert.True(t, strings.HasSuffix(body, "</data>"), body)
	assert.Equal(t, 3, strings.Count(body, "<stat addr="))
	assert.Contains(t, body, `id="feed1"`)
	assert.Contains(t, body, "<la>0.05 0.10 0.15</la>")
	assert.Contains(t, body, "<memtotal>8192</memtotal>")
	assert.Contains(t, body, "<memfree>4096</memfree>")
	assert.Contains(t, body, "<memcached>1024</memcached>")
	assert.Contains(t, body, "<storage_size>4096</storage_size>")
	assert.Contains(t, body, "<available_size>2048</available_size>")
	assert.Contains(t, body, "<files>12345</files>")
	assert.Contains(t, body, "<fsid>deadbeef</fsid>")

	t.Run("UnderscoreSpelling", func(t *testing.T) {
		rec2 := g.do(http.MethodGet, "/stat_log", nil)
		require.Equal(t, http.StatusOK, rec2.Code)
		assert.Equal(t, body, rec2.Body.String())
	})
}
