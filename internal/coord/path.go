// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"path"
	"strings"
)

// ValidatePath checks that p is absolute, clean and not the root.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' || p == "/" {
		return ErrInvalidPath
	}
	if path.Clean(p) != p {
		return ErrInvalidPath
	}
	return nil
}

// Parent returns the parent of p, or "/" for top-level nodes.
func Parent(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// Join builds a path from its elements.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// Ancestors returns every proper ancestor of p from the top down, excluding "/".
func Ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}
