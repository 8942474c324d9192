package httpfs

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestFiles(t *testing.T) (dir string, playlist []byte, segment []byte) {
	dir = t.TempDir()
	playlist = []byte("#EXTM3U\n#EXTINF:1.000,\nsegment_00000.ts\n#EXT-X-ENDLIST\n")
	segment = []byte("fake ts segment bytes")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.m3u8"), playlist, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00000.ts"), segment, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumb.jpg"), []byte{0xFF, 0xD8}, 0o644))

	return dir, playlist, segment
}

func assertCommonHeaders(t *testing.T, rec *httptest.ResponseRecorder, bodyLen int) {
	t.Helper()
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "close", rec.Header().Get("Connection"))
	require.Equal(t, strconv.Itoa(bodyLen), rec.Header().Get("Content-Length"))
}

func TestServerServesPlaylistAtRoot(t *testing.T) {
	dir, playlist, _ := writeTestFiles(t)
	s := New(dir, "stream.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, playlist, rec.Body.Bytes())
	require.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assertCommonHeaders(t, rec, len(playlist))
}

func TestServerServesPlaylistAtIndexHTML(t *testing.T) {
	dir, playlist, _ := writeTestFiles(t)
	s := New(dir, "stream.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, playlist, rec.Body.Bytes())
}

func TestServerServesSegmentWithMpegTSContentType(t *testing.T) {
	dir, _, segment := writeTestFiles(t)
	s := New(dir, "stream.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/segment_00000.ts", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, segment, rec.Body.Bytes())
	require.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assertCommonHeaders(t, rec, len(segment))
}

func TestServerServesUnknownExtensionAsOctetStream(t *testing.T) {
	dir, _, _ := writeTestFiles(t)
	s := New(dir, "stream.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/thumb.jpg", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestServerReturns404ForMissingFile(t *testing.T) {
	dir, _, _ := writeTestFiles(t)
	s := New(dir, "stream.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist.ts", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRejectsNonGetMethods(t *testing.T) {
	dir, _, _ := writeTestFiles(t)
	s := New(dir, "stream.m3u8")

	req := httptest.NewRequest(http.MethodPost, "/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
