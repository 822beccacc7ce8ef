//go:build !embed

// Package frontend ships the control panel served at the daemon root. With
// the embed tag the panel travels inside the binary; without it the daemon
// serves the files from the source tree.
package frontend

import "net/http"

// Handler returns nil in builds without the embed tag. The daemon falls
// back to serving the panel from the filesystem when it can find it.
func Handler() http.Handler { return nil }
