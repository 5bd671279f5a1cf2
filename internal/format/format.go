// Package format maps canonical data-type identifiers to the names each
// platform uses natively, and back.
//
// Both directions are total. A native name nothing knows about becomes a
// passthrough ID ("native:" + raw name) and an ID nothing knows about becomes
// a synthesized native name ("handoff.custom:" + id), so a transfer never
// drops a representation just because the table is incomplete.
package format

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ID is a canonical, platform-independent data type identifier.
// Well-known types use MIME names.
type ID string

const (
	Text    ID = "text/plain"
	HTML    ID = "text/html"
	URIList ID = "text/uri-list"
	CSV     ID = "text/csv"
	RTF     ID = "application/rtf"
	JSON    ID = "application/json"
	PDF     ID = "application/pdf"
	PNG     ID = "image/png"
	JPEG    ID = "image/jpeg"
	GIF     ID = "image/gif"
	SVG     ID = "image/svg+xml"
)

const (
	// PassthroughPrefix marks IDs synthesized from unknown native names.
	PassthroughPrefix = "native:"
	// CustomPrefix marks native names synthesized from unknown IDs.
	CustomPrefix = "handoff.custom:"
)

// Passthrough returns the ID that carries an unmapped native name verbatim.
func Passthrough(native string) ID { return ID(PassthroughPrefix + native) }

// IsPassthrough reports whether id was synthesized from a native name.
func (id ID) IsPassthrough() bool { return strings.HasPrefix(string(id), PassthroughPrefix) }

// Raw returns the native name carried by a passthrough ID, or "".
func (id ID) Raw() string {
	if !id.IsPassthrough() {
		return ""
	}
	return strings.TrimPrefix(string(id), PassthroughPrefix)
}

func (id ID) String() string { return string(id) }

// Platform identifies a native naming scheme.
type Platform string

const (
	Windows Platform = "windows"
	MacOS   Platform = "macos"
	IOS     Platform = "ios"
	Linux   Platform = "linux"
	Android Platform = "android"
)

// Platforms lists every platform with a static table.
var Platforms = []Platform{Windows, MacOS, IOS, Linux, Android}

// ParsePlatform converts a config string to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(s)); p {
	case Windows, MacOS, IOS, Linux, Android:
		return p, nil
	case "darwin":
		return MacOS, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

type key struct {
	platform Platform
	native   string
}

// Registry resolves IDs against the static table plus a per-process overlay.
// The zero value is not usable; call New.
type Registry struct {
	mu       sync.RWMutex
	toNative map[Platform]map[ID][]string
	toID     map[key]ID
	// The overlay in insertion order, indexed by normalized name.
	overlay []Entry
	byName  map[key]int
}

// New returns a Registry seeded with the static table.
func New() *Registry {
	r := &Registry{
		toNative: make(map[Platform]map[ID][]string, len(Platforms)),
		toID:     make(map[key]ID),
		byName:   make(map[key]int),
	}
	for _, row := range table {
		for p, natives := range row.natives {
			m, ok := r.toNative[p]
			if !ok {
				m = make(map[ID][]string)
				r.toNative[p] = m
			}
			m[row.id] = natives
			for _, n := range natives {
				k := key{p, normalize(p, n)}
				if _, dup := r.toID[k]; !dup {
					r.toID[k] = row.id
				}
			}
		}
	}
	return r
}

// ToNative returns the preferred native name for id on p.
func (r *Registry) ToNative(id ID, p Platform) string {
	if natives := r.Natives(id, p); len(natives) > 0 {
		return natives[0]
	}
	return CustomPrefix + string(id)
}

// Natives returns every native name id is known by on p, preferred first.
// Overlay aliases follow the static names. The result may be empty.
func (r *Registry) Natives(id ID, p Platform) []string {
	if raw := id.Raw(); raw != "" {
		return []string{raw}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	out = append(out, r.toNative[p][id]...)
	for _, e := range r.overlay {
		if e.Platform == p && e.ID == id {
			out = append(out, e.Native)
		}
	}
	return out
}

// ToCanonical returns the ID for a native name on p. Unknown names are
// recorded in the overlay as passthrough entries.
func (r *Registry) ToCanonical(native string, p Platform) ID {
	if strings.HasPrefix(native, CustomPrefix) {
		return ID(strings.TrimPrefix(native, CustomPrefix))
	}
	k := key{p, normalize(p, native)}

	r.mu.RLock()
	id, ok := r.toID[k]
	if !ok {
		var i int
		if i, ok = r.byName[k]; ok {
			id = r.overlay[i].ID
		}
	}
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if i, exists := r.byName[k]; exists {
		return r.overlay[i].ID
	}
	id = Passthrough(native)
	r.byName[k] = len(r.overlay)
	r.overlay = append(r.overlay, Entry{Platform: p, Native: native, ID: id})
	return id
}

// Alias registers native as an additional name for id on p. A later alias
// for the same native name replaces the earlier one in place. Names are
// matched the way p compares them.
func (r *Registry) Alias(p Platform, native string, id ID) {
	k := key{p, normalize(p, native)}
	e := Entry{Platform: p, Native: native, ID: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byName[k]; ok {
		r.overlay[i] = e
		return
	}
	r.byName[k] = len(r.overlay)
	r.overlay = append(r.overlay, e)
}

// Entry is one overlay mapping.
type Entry struct {
	Platform Platform
	Native   string
	ID       ID
}

// Overlay returns a snapshot of the dynamic mappings in insertion order.
func (r *Registry) Overlay() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.overlay)
}

// Reset drops every overlay entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.overlay = nil
	r.byName = make(map[key]int)
	r.mu.Unlock()
}

// normalize folds native names that the platform compares
// case-insensitively.
func normalize(p Platform, native string) string {
	switch p {
	case Linux, Android:
		return strings.ToLower(native)
	case Windows:
		return strings.ToUpper(native)
	}
	return native
}
