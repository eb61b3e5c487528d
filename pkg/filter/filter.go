// Package filter implements the tar member pipeline applied while packing
// filesystem trees into layer archives and while extracting base layers.
// A filter is an ordered list of named stages registered at construction
// time; each stage passes a member through, rewrites it, suppresses it,
// or signals a whiteout for the packer to encode.
package filter

import (
	"archive/tar"
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd/log"
)

// Mode selects which stages a Filter runs. Path-prefix stages only apply
// in Pack mode: base layers were already filtered when they were built,
// so extraction only decodes markers.
type Mode int

const (
	// Pack filters members while writing a live filesystem into an archive.
	Pack Mode = iota
	// Extract filters members while reading an archive onto a filesystem.
	Extract
)

// Options toggles the individual filter stages. The zero value disables
// everything, leaving only the absolute symlink rewrite.
type Options struct {
	Whiteout    bool `toml:"whiteout"`
	Dev         bool `toml:"dev"`
	Man         bool `toml:"man"`
	Docs        bool `toml:"docs"`
	Include     bool `toml:"include"`
	Locales     bool `toml:"locales"`
	Charmaps    bool `toml:"charmaps"`
	Completions bool `toml:"completions"`
	VarDBPkg    bool `toml:"vardbpkg"`
}

// Stage is a single named transform. Returning (nil, nil) suppresses the
// member; returning a *WhiteoutDetected error redirects it to a marker.
type Stage struct {
	Name  string
	Apply func(*tar.Header) (*tar.Header, error)
}

// Filter runs members through its stages in registration order.
type Filter struct {
	mode   Mode
	stages []Stage
}

var pathStages = []struct {
	name     string
	enabled  func(Options) bool
	prefixes []string
}{
	{"man", func(o Options) bool { return o.Man }, []string{"usr/share/man/"}},
	{"docs", func(o Options) bool { return o.Docs }, []string{"usr/share/doc/", "usr/share/gtk-doc/"}},
	{"include", func(o Options) bool { return o.Include }, []string{"usr/include/"}},
	{"locales", func(o Options) bool { return o.Locales }, []string{
		"usr/share/locale/", "usr/share/i18n/locales/", "usr/lib/gconv/", "usr/lib64/gconv/",
	}},
	{"charmaps", func(o Options) bool { return o.Charmaps }, []string{"usr/share/i18n/charmaps/"}},
	{"completions", func(o Options) bool { return o.Completions }, []string{"usr/share/bash-completion/"}},
	{"vardbpkg", func(o Options) bool { return o.VarDBPkg }, []string{"var/db/pkg/"}},
}

// New builds a filter for the given mode. Stage order is fixed: symlink
// rewrite, native whiteout detection, device filter, then the path-prefix
// stages.
func New(mode Mode, opts Options) *Filter {
	f := &Filter{mode: mode}
	f.stages = append(f.stages, Stage{"symlink", rewriteAbsoluteSymlink})
	if opts.Whiteout && mode == Pack {
		f.stages = append(f.stages, Stage{"whiteout", detectNativeWhiteout})
	}
	if opts.Dev {
		f.stages = append(f.stages, Stage{"dev", dropDevices})
	}
	if mode == Pack {
		for _, ps := range pathStages {
			if !ps.enabled(opts) {
				continue
			}
			prefixes := ps.prefixes
			f.stages = append(f.stages, Stage{ps.name, func(hdr *tar.Header) (*tar.Header, error) {
				if matchesAny(hdr.Name, prefixes) {
					return nil, nil
				}
				return hdr, nil
			}})
		}
	}
	return f
}

// Apply runs hdr through every stage in order. It returns nil when the
// member is suppressed and a *WhiteoutDetected error when the member is a
// native overlay whiteout that must be written as a marker instead.
func (f *Filter) Apply(ctx context.Context, hdr *tar.Header) (*tar.Header, error) {
	for _, stage := range f.stages {
		out, err := stage.Apply(hdr)
		if err != nil {
			return nil, err
		}
		if out == nil {
			log.G(ctx).WithField("stage", stage.Name).Debugf("Filtered member: %s", hdr.Name)
			return nil, nil
		}
		hdr = out
	}
	return hdr, nil
}

// MatchPath reports whether name is removed by the path-prefix stages
// enabled in opts. The build cleaner uses this against live trees.
func MatchPath(opts Options, name string) bool {
	for _, ps := range pathStages {
		if ps.enabled(opts) && matchesAny(name, ps.prefixes) {
			return true
		}
	}
	return false
}

func matchesAny(name string, prefixes []string) bool {
	name = strings.TrimPrefix(path.Clean(name), "/")
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) || name+"/" == prefix {
			return true
		}
	}
	return false
}

// rewriteAbsoluteSymlink rewrites absolute symlink targets relative to
// the link's own directory. Bind and chroot composition breaks absolute
// links that assumed a different root.
func rewriteAbsoluteSymlink(hdr *tar.Header) (*tar.Header, error) {
	if hdr.Typeflag != tar.TypeSymlink || !strings.HasPrefix(hdr.Linkname, "/") {
		return hdr, nil
	}
	dir := path.Dir(strings.TrimPrefix(path.Clean(hdr.Name), "/"))
	target := strings.TrimPrefix(path.Clean(hdr.Linkname), "/")
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return hdr, nil
	}
	hdr.Linkname = filepath.ToSlash(rel)
	return hdr, nil
}

// detectNativeWhiteout recognizes the overlayfs encodings of a deleted
// file: a 0:0 character device, or an empty regular file carrying the
// overlay whiteout xattr.
func detectNativeWhiteout(hdr *tar.Header) (*tar.Header, error) {
	if hdr.Typeflag == tar.TypeChar && hdr.Devmajor == 0 && hdr.Devminor == 0 {
		return nil, &WhiteoutDetected{Member: hdr}
	}
	if hdr.Size == 0 && hasWhiteoutXattr(hdr) {
		return nil, &WhiteoutDetected{Member: hdr}
	}
	return hdr, nil
}

func hasWhiteoutXattr(hdr *tar.Header) bool {
	for _, key := range []string{
		"SCHILY.xattr.trusted.overlay.whiteout",
		"SCHILY.xattr.user.overlay.whiteout",
	} {
		if _, ok := hdr.PAXRecords[key]; ok {
			return true
		}
	}
	return false
}

// dropDevices suppresses character and block devices. Whiteout-encoding
// devices never reach this stage; they are intercepted above.
func dropDevices(hdr *tar.Header) (*tar.Header, error) {
	if hdr.Typeflag == tar.TypeChar || hdr.Typeflag == tar.TypeBlock {
		return nil, nil
	}
	return hdr, nil
}
