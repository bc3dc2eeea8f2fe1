// Package manifest reads the document that tells the gateway where a site
// lives and which serving mode to use for it.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"zipgate/internal/archive"
)

// ErrInvalid means the manifest did not parse or lacks what its mode needs.
var ErrInvalid = errors.New("invalid manifest")

type Mode string

const (
	ModeZip   Mode = "zip"
	ModeMulti Mode = "multi"
)

// DefaultEntry is the zip-mode member served for the site root.
const DefaultEntry = "/index.html"

// ParseMode accepts the spellings used in config and env.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case ModeZip:
		return ModeZip, nil
	case ModeMulti:
		return ModeMulti, nil
	}
	return "", fmt.Errorf("unknown mode %q (want zip or multi)", s)
}

type Asset struct {
	Type   string `json:"type,omitempty"`
	URL    string `json:"url"`
	Size   int64  `json:"size,omitempty"`
	Digest string `json:"digest,omitempty"`
}

type Zip struct {
	URL    string `json:"url"`
	Size   int64  `json:"size,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// Manifest is immutable once returned by Parse. Asset keys are normalized
// member-style paths ("" is the root).
type Manifest struct {
	Mode      Mode             `json:"mode"`
	Entry     string           `json:"entry,omitempty"`
	Assets    map[string]Asset `json:"assets,omitempty"`
	Zip       *Zip             `json:"zip,omitempty"`
	CreatedAt string           `json:"created_at,omitempty"`
	Content   string           `json:"content,omitempty"`

	// Written by older publishers that only knew about one archive.
	ShareURL     string `json:"share_url,omitempty"`
	ZipSizeBytes int64  `json:"zip_size_bytes,omitempty"`
}

// ArchiveRef is the zip-mode archive reference, or "".
func (m *Manifest) ArchiveRef() string {
	if m.Zip == nil {
		return ""
	}
	return m.Zip.URL
}

// Lookup finds the asset for a normalized request path.
func (m *Manifest) Lookup(name string) (Asset, bool) {
	a, ok := m.Assets[name]
	return a, ok
}

// AssetNames returns the asset keys in no particular order.
func (m *Manifest) AssetNames() []string {
	out := make([]string, 0, len(m.Assets))
	for k := range m.Assets {
		out = append(out, k)
	}
	return out
}

// Parse decodes and validates a manifest. override, when set, replaces the
// declared mode. base is the manifest's own location; see resolveRef.
func Parse(data []byte, base string, override Mode) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if override != "" {
		m.Mode = override
	}
	if m.Mode == "" {
		switch {
		case m.Zip != nil:
			m.Mode = ModeZip
		case m.ShareURL != "":
			m.Mode = ModeZip
		case len(m.Assets) > 0:
			m.Mode = ModeMulti
		}
	}
	if m.Mode == ModeZip && m.Zip == nil && m.ShareURL != "" {
		m.Zip = &Zip{URL: m.ShareURL, Size: m.ZipSizeBytes}
	}
	if err := m.normalize(base); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize(base string) error {
	switch m.Mode {
	case ModeZip:
		if m.Zip == nil || strings.TrimSpace(m.Zip.URL) == "" {
			return invalid("zip.url", "required in zip mode")
		}
		ref, err := resolveRef(base, strings.TrimSpace(m.Zip.URL))
		if err != nil {
			return invalid("zip.url", err.Error())
		}
		m.Zip.URL = ref
		if m.Entry == "" {
			m.Entry = DefaultEntry
		}
		m.Entry = "/" + archive.NormalizePath(m.Entry)
	case ModeMulti:
		if len(m.Assets) == 0 {
			return invalid("assets", "required in multi mode")
		}
		assets := make(map[string]Asset, len(m.Assets))
		for k, a := range m.Assets {
			key := archive.NormalizePath(k)
			if _, dup := assets[key]; dup {
				return invalid(fmt.Sprintf("assets[%q]", k), "duplicates another key after normalization")
			}
			if strings.TrimSpace(a.URL) == "" {
				return invalid(fmt.Sprintf("assets[%q].url", k), "required")
			}
			ref, err := resolveRef(base, strings.TrimSpace(a.URL))
			if err != nil {
				return invalid(fmt.Sprintf("assets[%q].url", k), err.Error())
			}
			a.URL = ref
			assets[key] = a
		}
		m.Assets = assets
	case "":
		return invalid("mode", "missing and not inferable")
	default:
		return invalid("mode", fmt.Sprintf("unknown %q", m.Mode))
	}
	return nil
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, reason)
}

// resolveRef resolves ref against the location the manifest was loaded from.
// Only a manifest read from local disk (or parsed without a location) may
// name local files; a remote manifest may only point at remote objects, and
// its scheme-less refs, host-relative ones included, resolve against its URL.
func resolveRef(base, ref string) (string, error) {
	if isLocal(base) {
		return ref, nil
	}
	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		r, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		ref = b.ResolveReference(r).String()
	}
	if !isRemote(ref) {
		return "", fmt.Errorf("local reference %q in a remote manifest", ref)
	}
	return ref, nil
}

func isLocal(location string) bool {
	return location == "" || strings.HasPrefix(location, "file://") || !strings.Contains(location, "://")
}

func isRemote(ref string) bool {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case "http", "https", "cas", "s3":
		return true
	}
	return false
}

// Encode writes the manifest the way the publisher stores it.
func Encode(m *Manifest) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ForArchive synthesizes a zip-mode manifest for a bare archive reference.
func ForArchive(ref string) *Manifest {
	return &Manifest{Mode: ModeZip, Entry: DefaultEntry, Zip: &Zip{URL: ref}}
}
