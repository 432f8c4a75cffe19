// Package bundle holds the collection payloads compiled into the binary.
// They are served when neither the cache nor the origin has a collection.
package bundle

import (
	"embed"

	"github.com/mikills/contentsync/content"
)

//go:embed data/*.json
var files embed.FS

// New returns the embedded bundle.
func New() *content.FSBundle {
	return content.NewFSBundle(files, "data")
}
