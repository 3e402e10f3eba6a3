// Package zipbuild produces deterministic ZIP archives: entries sorted by
// path, fixed modification time, STORE method — identical inputs always
// yield identical bytes, which is required for any ZIP this service hashes
// or signs (audit packets, closepacks, onboarding packs).
package zipbuild

import (
	"archive/zip"
	"bytes"
	"sort"
	"time"
)

// epoch is the fixed modification time spec.md §4.1 requires for
// determinism: 2000-01-01T00:00:00Z.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry is a single file to add to the archive.
type Entry struct {
	Path string
	Data []byte
}

// Build writes entries sorted by path into a deterministic ZIP and returns
// the resulting bytes.
func Build(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, e := range sorted {
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Store,
			Modified: epoch,
		}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(e.Data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read unpacks a ZIP archive (used for reading uploaded bundles, which may
// come from external tooling using DEFLATE — determinism is not required on
// read).
func Read(data []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(rc); err != nil {
			rc.Close()
			return nil, err
		}
		rc.Close()
		out[f.Name] = buf.Bytes()
	}
	return out, nil
}
