// Package web holds the browser console served by the bridge.
package web

import "embed"

// FS is the console page with its script and stylesheet.
//
//go:embed *.html *.css *.js
var FS embed.FS
