package meta

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Sniffer returns the coarse content type of the file at path.
type Sniffer func(path string) (string, error)

// SniffMagic detects the MIME type from file content and drops parameters,
// e.g. "text/plain; charset=utf-8" becomes "text/plain".
func SniffMagic(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	return TypeClassOf(mt.String()), nil
}

// TypeClassOf strips MIME parameters.
func TypeClassOf(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// TopLevel returns the top-level type: "image" for "image/png".
func TopLevel(typeClass string) string {
	top, _, _ := strings.Cut(typeClass, "/")
	return top
}
