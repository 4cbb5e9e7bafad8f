package web

import "embed"

// FS contains the dashboard page served at "/".
//
//go:embed *.html *.css *.js
var FS embed.FS
