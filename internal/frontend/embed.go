//go:build embed

// Package frontend ships the control panel served at the daemon root. With
// the embed tag the panel travels inside the binary; without it the daemon
// serves the files from the source tree.
package frontend

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var panelFiles embed.FS

func Handler() http.Handler {
	sub, err := fs.Sub(panelFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
