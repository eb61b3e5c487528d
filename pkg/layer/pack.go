// Package layer converts filesystem trees to and from OCI-style tar
// layer archives: packing a build's upper dir into a layer, extracting
// base layers into a lower dir, and composing layer chains into a full
// image archive.
package layer

import (
	"archive/tar"
	"context"
	_ "crypto/sha256" // required by go-digest
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/log"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/desultory/gentree/pkg/filter"
)

// Stats describes a packed layer archive.
type Stats struct {
	Entries   int
	Whiteouts int
	Size      int64
	Digest    digest.Digest
}

// Pack walks root depth-first and writes a tar archive of it to dest,
// running every entry through f. Native overlay whiteout encodings are
// rewritten as ".wh." marker entries and opaque dirs gain a
// ".wh..wh..opq" marker. Symlinked directories are archived as symlinks,
// never traversed. Entries appear in traversal order and no path is
// written twice; a duplicate is logged and skipped.
func Pack(ctx context.Context, root, dest string, f *filter.Filter) (Stats, error) {
	var stats Stats

	out, err := os.Create(dest)
	if err != nil {
		return stats, err
	}
	defer out.Close()

	dgstr := digest.SHA256.Digester()
	tw := tar.NewWriter(io.MultiWriter(out, dgstr.Hash()))

	seen := make(map[string]struct{})
	writeMarker := func(hdr *tar.Header) error {
		if _, ok := seen[hdr.Name]; ok {
			return nil
		}
		seen[hdr.Name] = struct{}{}
		stats.Whiteouts++
		return tw.WriteHeader(hdr)
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		addWhiteoutXattrs(p, hdr)

		hdr, ferr := f.Apply(ctx, hdr)
		if wh, ok := ferr.(*filter.WhiteoutDetected); ok {
			log.G(ctx).Debugf("%v", wh)
			if err := writeMarker(wh.Marker()); err != nil {
				return err
			}
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		} else if ferr != nil {
			return ferr
		}
		if hdr == nil {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if _, ok := seen[hdr.Name]; ok {
			log.G(ctx).Warnf("Skipping duplicate archive entry: %s", hdr.Name)
			return nil
		}
		seen[hdr.Name] = struct{}{}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		stats.Entries++
		if hdr.Typeflag == tar.TypeReg && hdr.Size > 0 {
			src, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.CopyN(tw, src, hdr.Size)
			src.Close()
			if err != nil {
				return err
			}
		}

		// An opaque upper dir masks all lower content of the directory.
		if info.IsDir() && hasOpaqueXattr(p) {
			return writeMarker(filter.MarkerHeader(rel + "/" + filter.OpaqueMarker))
		}
		return nil
	})
	if err != nil {
		return stats, errors.Wrapf(err, "packing %s", root)
	}
	if err := tw.Close(); err != nil {
		return stats, err
	}
	if err := out.Close(); err != nil {
		return stats, err
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return stats, err
	}
	stats.Size = fi.Size()
	stats.Digest = dgstr.Digest()
	log.G(ctx).WithField("size", stats.Size).Infof("Created archive: %s", dest)
	return stats, nil
}

var overlayWhiteoutXattrs = []string{"trusted.overlay.whiteout", "user.overlay.whiteout"}
var overlayOpaqueXattrs = []string{"trusted.overlay.opaque", "user.overlay.opaque"}

// addWhiteoutXattrs copies the overlay whiteout xattr, when present, onto
// the header so the filter can detect xattr-encoded whiteouts.
func addWhiteoutXattrs(p string, hdr *tar.Header) {
	for _, key := range overlayWhiteoutXattrs {
		if val, ok := getXattr(p, key); ok {
			if hdr.PAXRecords == nil {
				hdr.PAXRecords = make(map[string]string)
			}
			hdr.PAXRecords["SCHILY.xattr."+key] = string(val)
		}
	}
}

func hasOpaqueXattr(p string) bool {
	for _, key := range overlayOpaqueXattrs {
		if val, ok := getXattr(p, key); ok && string(val) == "y" {
			return true
		}
	}
	return false
}

func getXattr(p, key string) ([]byte, bool) {
	buf := make([]byte, 64)
	n, err := unix.Lgetxattr(p, key, buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}
