// Package httpfs serves the HLS playlist and segment files with a tiny
// hand-rolled handler rather than http.FileServer, grounded on
// device_connect/transport/h264/handler_http.go's plain net/http style:
// explicit headers, explicit writes, no framework in between.
package httpfs

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/magixtical/video/internal/util"
)

// Server serves files out of a single HLS output directory.
type Server struct {
	dir              string
	playlistFilename string
}

// New constructs a Server rooted at dir, treating playlistFilename as the
// file served for "/" and "/index.html".
func New(dir, playlistFilename string) *Server {
	return &Server{dir: dir, playlistFilename: playlistFilename}
}

// ServeHTTP serves GET requests only; "/" and "/index.html" alias the
// playlist, any other path is looked up by name directly under dir, and
// every response carries the fixed CORS/caching headers HLS players expect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" || name == "index.html" {
		name = s.playlistFilename
	}

	path := filepath.Join(s.dir, filepath.Clean("/"+name))
	f, err := os.Open(path)
	var info os.FileInfo
	if err == nil {
		defer f.Close()
		info, err = f.Stat()
	}
	if err != nil || info.IsDir() {
		util.GetLogger().Warn("httpfs: file not found", "path", path, "error", err)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", mimeType(name))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	// io.Copy sends the file a chunk at a time: read a chunk, write it, repeat.
	if _, err := io.Copy(w, f); err != nil {
		util.GetLogger().Warn("httpfs: write failed", "path", path, "error", err)
	}
}

func mimeType(name string) string {
	switch filepath.Ext(name) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
