package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// unpackIfNeeded returns the extracted data files inside plaintext. When the
// decrypted basename ends in ".zip" it is unpacked (spec.md §4.7 step 2,
// §6.2 "Inner layout: ciphertext blob -> AES-128-CBC -> optional ZIP -> one
// or more data files"); otherwise the plaintext itself is the one data file.
func unpackIfNeeded(basename string, plaintext []byte) ([][]byte, error) {
	if !strings.HasSuffix(strings.ToLower(basename), ".zip") {
		return [][]byte{plaintext}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(plaintext), int64(len(plaintext)))
	if err != nil {
		return nil, fmt.Errorf("%w: unzip: %v", ErrCorruptedFile, err)
	}

	var out [][]byte
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrCorruptedFile, f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptedFile, f.Name, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
