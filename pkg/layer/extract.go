package layer

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/log"
	cfs "github.com/containerd/continuity/fs"
	"github.com/pkg/errors"

	"github.com/desultory/gentree/pkg/filter"
)

// Extract unpacks a layer archive into dest. Every member runs through f
// and, when tr is non-nil, through the tracker: whiteout and opaque
// markers are recorded in tr and never written to disk. Later extractions
// into the same dest overwrite existing entries, which is how declared
// base order becomes last-writer-wins.
func Extract(ctx context.Context, archivePath, dest string, f *filter.Filter, tr *filter.Tracker) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	src, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer src.Close()

	decompressed, err := compression.DecompressStream(src)
	if err != nil {
		return errors.Wrap(err, "opening layer archive")
	}
	defer decompressed.Close()

	reader := tar.NewReader(decompressed)
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading layer archive")
		}

		hdr, err = f.Apply(ctx, hdr)
		if err != nil {
			return err
		}
		if hdr == nil {
			continue
		}
		if tr != nil {
			if hdr = tr.Observe(ctx, hdr); hdr == nil {
				continue
			}
		}
		if err := writeEntry(ctx, dest, hdr, reader); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(ctx context.Context, dest string, hdr *tar.Header, content io.Reader) error {
	target, err := cfs.RootPath(dest, hdr.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
			return err
		}
	case tar.TypeReg:
		if err := removeNonDir(target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, content); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := removeNonDir(target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
	case tar.TypeLink:
		source, err := cfs.RootPath(dest, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := removeNonDir(target); err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return err
		}
	default:
		// Devices and fifos never belong in a portable layer archive.
		log.G(ctx).Debugf("Skipping special entry: %s", hdr.Name)
		return nil
	}

	// Ownership restore fails without privileges; builds run as root in
	// their own namespace, elsewhere the upper layer's ownership is kept.
	_ = os.Lchown(target, hdr.Uid, hdr.Gid)
	return nil
}

func removeNonDir(target string) error {
	fi, err := os.Lstat(target)
	if err != nil || fi.IsDir() {
		return nil
	}
	return os.Remove(target)
}

// ApplyWhiteouts deletes the whited-out paths from root. A missing target
// is only noteworthy when its parent was not itself whited out.
func ApplyWhiteouts(ctx context.Context, root string, whiteouts filter.PathSet) error {
	for _, wh := range whiteouts.Sorted() {
		target := filepath.Join(root, wh)
		fi, err := os.Lstat(target)
		if err != nil {
			if whiteouts.Contains(path.Dir(wh)) {
				log.G(ctx).Debugf("Parent of whiteout already removed: %s", wh)
			} else {
				log.G(ctx).Warnf("Whiteout target not found: %s", target)
			}
			continue
		}
		log.G(ctx).Debugf("Whiting out: %s", target)
		if fi.IsDir() {
			err = os.RemoveAll(target)
		} else {
			err = os.Remove(target)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyOpaques clears all contents of the opaque directories under root,
// leaving the directories themselves in place.
func ApplyOpaques(ctx context.Context, root string, opaques filter.PathSet) error {
	for _, opq := range opaques.Sorted() {
		target := filepath.Join(root, opq)
		entries, err := os.ReadDir(target)
		if err != nil {
			log.G(ctx).Warnf("Opaque target not found: %s", target)
			continue
		}
		log.G(ctx).Debugf("Opaquing directory: %s", target)
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(target, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
