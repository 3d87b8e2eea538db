package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRoundTrip(t *testing.T) {
	g := setupTestGateway(t, nil)

	body := []byte("stored bytes")
	require.Equal(t, http.StatusOK, g.do(http.MethodPost, "/upload/file.bin", body).Code)

	rec := g.do(http.MethodGet, "/get/1/file.bin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, body, rec.Body.Bytes())
	assert.Empty(t, rec.Header().Get("Last-Modified"), "plain objects carry no mtime")
}

func TestGetMissingObject(t *testing.T) {
	g := setupTestGateway(t, nil)

	rec := g.do(http.MethodGet, "/get/1/never-written.bin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetNotModified(t *testing.T) {
	g := setupTestGateway(t, nil)

	require.Equal(t, http.StatusOK,
		g.do(http.MethodPost, "/upload/doc.txt?embed&timestamp=1700000000", []byte("content")).Code)

	stamp := time.Unix(1700000000, 0).UTC().Format(http.TimeFormat)

	t.Run("MatchingDate", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/get/1/doc.txt", nil)
		req.Header.Set("If-Modified-Since", stamp)
		rec := httptest.NewRecorder()
		g.proxy.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("DifferentDate", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/get/1/doc.txt", nil)
		req.Header.Set("If-Modified-Since", time.Unix(1600000000, 0).UTC().Format(http.TimeFormat))
		rec := httptest.NewRecorder()
		g.proxy.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []byte("content"), rec.Body.Bytes())
		assert.Equal(t, stamp, rec.Header().Get("Last-Modified"))
	})
}

func TestGetEmbedQueryOnPlainObject(t *testing.T) {
	g := setupTestGateway(t, nil)

	require.Equal(t, http.StatusOK, g.do(http.MethodPost, "/upload/plain.bin", []byte("short")).Code)

	// Forcing container parsing on bytes that never were a container
	// is a client error the proxy can only answer with a server error:
	// the stored object is unreadable under the requested framing.
	rec := g.do(http.MethodGet, "/get/1/plain.bin?embed", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetNamespaceAuth(t *testing.T) {
	g := setupTestGateway(t, nil)

	body := []byte("guarded")
	require.Equal(t, http.StatusOK,
		g.doAuth(http.MethodPost, "/upload-photos/secret.jpg", body, "photos", photosAuthKey).Code)

	t.Run("Authorized", func(t *testing.T) {
		rec := g.doAuth(http.MethodGet, "/get-photos/1/secret.jpg", nil, "photos", photosAuthKey)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, body, rec.Body.Bytes())
	})

	t.Run("Unauthorized", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/get-photos/1/secret.jpg", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, `Basic realm="photos"`, rec.Header().Get("WWW-Authenticate"))
	})
}

func TestGetKeyParsing(t *testing.T) {
	g := setupTestGateway(t, nil)

	t.Run("MissingFilename", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/get/1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MissingGroup", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/get//file.bin", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NonNumericGroup", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/get/one/file.bin", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("BadSizeValue", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/get/1/file.bin?size=huge", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// A group hint outside the known topology still resolves: the hinted
// group is its own couple.
func TestGetUnknownGroupFallback(t *testing.T) {
	g := setupTestGateway(t, nil)

	require.Equal(t, http.StatusOK, g.do(http.MethodPost, "/upload/fallback.bin", []byte("x")).Code)

	rec := g.do(http.MethodGet, "/get/2/fallback.bin", nil)
	require.Equal(t, http.StatusOK, rec.Code, "couple lookup reaches replicas beyond the hinted group")

	rec = g.do(http.MethodGet, "/get/9/fallback.bin", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "no live node serves group 9")
}

// A cache group shadows the key, so the read reaches it even when the
// hinted group has no live nodes at all.
func TestGetCacheGroupShadow(t *testing.T) {
	g := setupTestGateway(t, nil)

	g.nodes[2].put(idFor("default", "hot.bin"), []byte("cached"), 0)

	rec := g.do(http.MethodGet, "/get/9/hot.bin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("cached"), rec.Body.Bytes())
}
