package filter

import (
	"archive/tar"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/containerd/containerd/log"
)

const (
	// WhiteoutPrefix marks a file deleted relative to a lower layer. An
	// empty regular file ".wh.<name>" whites out <name> in its directory.
	WhiteoutPrefix = ".wh."

	// OpaqueMarker is an empty regular file directly inside a directory
	// indicating that all lower-layer content of that directory is masked.
	OpaqueMarker = ".wh..wh..opq"
)

// WhiteoutDetected is a control signal, not a failure: the filter found a
// native overlay whiteout and the packer must write an OCI marker for the
// path instead of the raw member. It is always handled by the packer and
// never surfaces to callers.
type WhiteoutDetected struct {
	Member *tar.Header
}

func (w *WhiteoutDetected) Error() string {
	return fmt.Sprintf("whiteout detected: %s", w.Member.Name)
}

// Marker returns the OCI whiteout entry standing in for the member.
func (w *WhiteoutDetected) Marker() *tar.Header {
	name := path.Clean(w.Member.Name)
	return MarkerHeader(path.Join(path.Dir(name), WhiteoutPrefix+path.Base(name)))
}

// MarkerHeader returns an empty regular file entry at name.
func MarkerHeader(name string) *tar.Header {
	return &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		ModTime:  time.Unix(0, 0),
	}
}

// PathSet is a set of archive-relative paths.
type PathSet map[string]struct{}

func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s.Add(p)
	}
	return s
}

func (s PathSet) Add(p string) { s[strings.TrimPrefix(path.Clean(p), "/")] = struct{}{} }

func (s PathSet) Contains(p string) bool {
	_, ok := s[strings.TrimPrefix(path.Clean(p), "/")]
	return ok
}

// Sorted returns the members in lexical order.
func (s PathSet) Sorted() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Tracker collects whiteout and opaque markers while a lower layer is
// extracted. Marker files are suppressed so no ".wh." artifact ever lands
// on the extracted tree; they exist only in these sets for the caller to
// apply.
type Tracker struct {
	Whiteouts PathSet
	Opaques   PathSet
}

func NewTracker() *Tracker {
	return &Tracker{
		Whiteouts: NewPathSet(),
		Opaques:   NewPathSet(),
	}
}

// Observe inspects one extracted member. Markers are recorded and
// suppressed (nil return); everything else passes through unchanged.
func (t *Tracker) Observe(ctx context.Context, hdr *tar.Header) *tar.Header {
	if hdr.Typeflag != tar.TypeReg || hdr.Size != 0 {
		return hdr
	}
	name := strings.TrimPrefix(path.Clean(hdr.Name), "/")
	base := path.Base(name)
	switch {
	case base == OpaqueMarker:
		log.G(ctx).Debugf("Detected opaque: %s", name)
		t.Opaques.Add(path.Dir(name))
		return nil
	case strings.HasPrefix(base, WhiteoutPrefix):
		log.G(ctx).Debugf("Detected whiteout: %s", name)
		t.Whiteouts.Add(path.Join(path.Dir(name), strings.TrimPrefix(base, WhiteoutPrefix)))
		return nil
	}
	return hdr
}
