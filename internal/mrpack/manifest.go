package mrpack

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ManifestFileName is the index member every mrpack is expected to carry.
// Matching is done on the base name, case-insensitively.
const ManifestFileName = "modrinth.index.json"

// Side is an environment-applicability tag from a file's env block.
type Side string

const (
	SideRequired    Side = "required"
	SideOptional    Side = "optional"
	SideUnsupported Side = "unsupported"
	SideUnknown     Side = "unknown"
)

// Manifest is the typed view over modrinth.index.json.
type Manifest struct {
	FormatVersion int               `json:"formatVersion"`
	Game          string            `json:"game"`
	VersionID     string            `json:"versionId"`
	Name          string            `json:"name"`
	Summary       string            `json:"summary"`
	Files         []File            `json:"files"`
	Dependencies  map[string]string `json:"dependencies"`
}

// File describes one downloadable artifact. Entries with no path or no
// download URL are kept through parsing; the scheduler skips them with a
// distinct reason instead of treating them as parse errors.
type File struct {
	Path      string            `json:"path"`
	Downloads DownloadList      `json:"downloads"`
	Hashes    map[string]string `json:"hashes"`
	FileSize  int64             `json:"fileSize"`
	Env       *Env              `json:"env"`
}

type Env struct {
	Client Side `json:"client"`
	Server Side `json:"server"`
}

// DownloadList tolerates both a JSON array of URLs and, as some pack
// tools emit, a single bare string.
type DownloadList []string

func (d *DownloadList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*d = DownloadList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("downloads must be a string or an array of strings: %w", err)
	}
	*d = DownloadList(many)
	return nil
}

// URL returns the canonical (first) download URL, or "" when the entry
// has none. Secondary URLs are never attempted; that is a known
// limitation carried over deliberately, not an oversight.
func (f *File) URL() string {
	if len(f.Downloads) == 0 {
		return ""
	}
	return f.Downloads[0]
}

// ServerSide reports the file's server applicability. A missing env
// block, or a missing server key, means unknown.
func (f *File) ServerSide() Side {
	if f.Env == nil || f.Env.Server == "" {
		return SideUnknown
	}
	switch s := Side(strings.ToLower(string(f.Env.Server))); s {
	case SideRequired, SideOptional, SideUnsupported:
		return s
	default:
		return SideUnknown
	}
}

// ParseManifest decodes a manifest from r. Malformed JSON is a hard
// error; the caller treats it as fatal.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
