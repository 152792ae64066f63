// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL files that create the snapshot archive.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"slices"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Name     string
	SQL      string
	Checksum string // sha256 of SQL, hex
}

// Ordered returns the migrations sorted by file name.
func Ordered() ([]File, error) {
	names, err := fs.Glob(embeddedFiles, "*.sql")
	if err != nil {
		return nil, err
	}
	slices.Sort(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		body, err := embeddedFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}
		sum := sha256.Sum256(body)
		files = append(files, File{Name: name, SQL: string(body), Checksum: hex.EncodeToString(sum[:])})
	}
	return files, nil
}
