package mrpack

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// OverridesPrefix is the fixed member prefix for the literal file tree
// copied verbatim to the destination.
const OverridesPrefix = "overrides/"

// ZIP file signatures (magic bytes)
var zipSignatures = [][]byte{
	{0x50, 0x4B, 0x03, 0x04}, // Standard ZIP
	{0x50, 0x4B, 0x05, 0x06}, // Empty ZIP
	{0x50, 0x4B, 0x07, 0x08}, // Spanned ZIP
}

var (
	// ErrNotZip indicates the file exists but is not a zip container.
	ErrNotZip = errors.New("not a valid zip archive")

	// ErrNoManifest indicates the archive carries no manifest member.
	ErrNoManifest = errors.New("manifest not found in archive")
)

// Archive is an opened mrpack container.
type Archive struct {
	path string
	zr   *zip.ReadCloser
}

// Open opens the mrpack at path. A missing file or a non-zip container
// are fatal setup errors for the caller.
func Open(path string) (*Archive, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mrpack not found: %s", path)
	}

	ok, err := hasZipSignature(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotZip, path)
	}

	zr, err := zip.OpenReader(path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %s", ErrNotZip, path)
	}
	// ErrInsecurePath still yields a usable reader; traversal attempts
	// are rejected per member during extraction instead.

	return &Archive{path: path, zr: zr}, nil
}

func (a *Archive) Close() error {
	return a.zr.Close()
}

// Path returns the archive location on disk.
func (a *Archive) Path() string {
	return a.path
}

// ManifestName locates the manifest member by base name, case-insensitively,
// tolerating backslash separators from Windows-built packs.
func (a *Archive) ManifestName() (string, bool) {
	for _, f := range a.zr.File {
		n := strings.ReplaceAll(f.Name, `\`, "/")
		parts := strings.Split(n, "/")
		if strings.EqualFold(parts[len(parts)-1], ManifestFileName) {
			return f.Name, true
		}
	}
	return "", false
}

// HasOverrides reports whether the archive carries an overrides tree and
// returns the member prefix it lives under.
func (a *Archive) HasOverrides() (string, bool) {
	for _, f := range a.zr.File {
		n := strings.ReplaceAll(f.Name, `\`, "/")
		if strings.HasPrefix(n, OverridesPrefix) || n == "overrides" {
			return OverridesPrefix, true
		}
	}
	return "", false
}

// Manifest reads and parses the manifest member. Returns ErrNoManifest
// when the archive has none.
func (a *Archive) Manifest() (*Manifest, error) {
	name, ok := a.ManifestName()
	if !ok {
		return nil, ErrNoManifest
	}

	rc, err := a.open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest member: %w", err)
	}
	defer rc.Close()

	return ParseManifest(rc)
}

// ExtractOverrides streams every member under the overrides prefix into
// dest, stripping the prefix and preserving subpaths. Directory-only
// entries become empty directories. Returns the count of regular files
// written.
func (a *Archive) ExtractOverrides(dest string) (int, error) {
	count := 0
	for _, f := range a.zr.File {
		n := strings.ReplaceAll(f.Name, `\`, "/")
		if !strings.HasPrefix(n, OverridesPrefix) {
			continue
		}

		rel := n[len(OverridesPrefix):]
		if rel == "" {
			continue
		}

		target, err := secureJoin(dest, rel)
		if err != nil {
			return count, err
		}

		if strings.HasSuffix(n, "/") || f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, fmt.Errorf("failed to create directory %s: %w", rel, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return count, fmt.Errorf("failed to create parent for %s: %w", rel, err)
		}

		if err := a.copyMember(f, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// copyMember streams one zip member straight to disk, never holding the
// whole file in memory.
func (a *Archive) copyMember(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open member %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	return dst.Close()
}

func (a *Archive) open(name string) (io.ReadCloser, error) {
	for _, f := range a.zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("member not found: %s", name)
}

// secureJoin joins rel under root and rejects members that would escape
// it (zip-slip).
func secureJoin(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member escapes destination: %s", rel)
	}
	return target, nil
}

// hasZipSignature checks if the file has a valid ZIP magic byte signature
func hasZipSignature(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	header := make([]byte, 4)
	n, err := file.Read(header)
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}

	if n < 4 {
		return false, nil
	}

	for _, sig := range zipSignatures {
		if bytes.Equal(header, sig) {
			return true, nil
		}
	}

	return false, nil
}
