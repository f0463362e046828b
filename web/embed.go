// Package web holds the embedded viewer page.
package web

import "embed"

// Files contains index.html and its assets.
//
//go:embed index.html app.js style.css
var Files embed.FS
