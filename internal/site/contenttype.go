package site

import (
	"path/filepath"
	"strings"
)

// ContentTypeManifest is the content type of the sync manifest.
const ContentTypeManifest = "application/json"

var extensionMap = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".xml":   "application/xml",
	".txt":   "text/plain; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".pdf":   "application/pdf",
	".wasm":  "application/wasm",
}

// ContentTypeForFile returns the content type for a file based on its
// extension, or "application/octet-stream".
func ContentTypeForFile(filename string) string {
	if ct, ok := extensionMap[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// CacheControlForFile returns the Cache-Control header stored with the
// object. HTML is revalidated on every request so a new push is visible
// immediately; other assets may be cached for the distribution TTL.
func CacheControlForFile(filename string) string {
	if strings.HasPrefix(ContentTypeForFile(filename), "text/html") {
		return "no-cache"
	}
	return ""
}
