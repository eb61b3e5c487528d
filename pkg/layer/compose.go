package layer

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/log"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/desultory/gentree/pkg/filter"
)

// ComposeOpts configures full-image assembly.
type ComposeOpts struct {
	// Whiteouts seeds the suppression set. Markers found while
	// concatenating the layer chain are added to it.
	Whiteouts filter.PathSet

	// Refilter, when non-nil, re-streams the merged archive through a
	// pack-mode filter so one uniform filter policy applies to the whole
	// composed tree, regardless of each layer's own build-time settings.
	Refilter *filter.Filter

	// Compress gzips the final archive.
	Compress bool
}

// ComposeFull combines the ordered layer archives into one full-image
// archive at dest and returns its descriptor. Directory headers already
// present in the output are not re-added; regular files always are, so
// the last layer providing a path wins on extraction. Whiteout markers
// collected during concatenation suppress the matching entries (exact
// path or whole `<path>/` subtree) in a second pass.
func ComposeFull(ctx context.Context, layers []string, dest string, opts ComposeOpts) (ocispec.Descriptor, error) {
	log.G(ctx).Infof("Packing %d layers into: %s", len(layers), dest)

	tracker := filter.NewTracker()
	if opts.Whiteouts != nil {
		tracker.Whiteouts = opts.Whiteouts
	}

	pre := dest + ".pre"
	if err := concatLayers(ctx, layers, pre, tracker); err != nil {
		return ocispec.Descriptor{}, err
	}

	merged := dest + ".merged"
	if len(tracker.Whiteouts) == 0 {
		merged = pre
	} else {
		log.G(ctx).Debugf("Applying whiteouts: %v", tracker.Whiteouts.Sorted())
		err := rewriteArchive(ctx, pre, merged, func(ctx context.Context, hdr *tar.Header) (*tar.Header, error) {
			if suppressedByWhiteout(hdr.Name, tracker.Whiteouts) {
				log.G(ctx).Debugf("Skipping whited-out entry: %s", hdr.Name)
				return nil, nil
			}
			return hdr, nil
		})
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := os.Remove(pre); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	if opts.Refilter != nil {
		log.G(ctx).Infof("Refiltering archive: %s", dest)
		refiltered := dest + ".refiltered"
		if err := rewriteArchive(ctx, merged, refiltered, opts.Refilter.Apply); err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := os.Remove(merged); err != nil {
			return ocispec.Descriptor{}, err
		}
		merged = refiltered
	}

	desc, err := finalize(ctx, merged, dest, opts.Compress)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	log.G(ctx).WithField("size", desc.Size).Infof("Created final archive: %s", dest)
	return desc, nil
}

// concatLayers writes every entry of every layer, in order, into dest.
// Markers are recorded into tracker and suppressed; duplicate directory
// headers are skipped so tar consumers never see the same directory
// twice (and directories are not re-added over existing symlinks).
func concatLayers(ctx context.Context, layers []string, dest string, tracker *filter.Tracker) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	tw := tar.NewWriter(out)

	seen := make(map[string]struct{})
	for _, layerPath := range layers {
		log.G(ctx).Debugf("Adding layer archive: %s", layerPath)
		err := eachEntry(layerPath, func(hdr *tar.Header, content io.Reader) error {
			name := strings.TrimSuffix(hdr.Name, "/")
			if hdr.Typeflag == tar.TypeDir {
				if _, ok := seen[name]; ok {
					log.G(ctx).Debugf("Skipping existing directory: %s", name)
					return nil
				}
			}
			if h := tracker.Observe(ctx, hdr); h == nil {
				return nil
			}
			seen[name] = struct{}{}
			return reAdd(tw, hdr, content)
		})
		if err != nil {
			return errors.Wrapf(err, "adding layer %s", layerPath)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return out.Close()
}

// rewriteArchive streams src into dest, dropping entries fn suppresses.
// A whiteout signal from fn is written as its marker entry.
func rewriteArchive(ctx context.Context, src, dest string, fn func(context.Context, *tar.Header) (*tar.Header, error)) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	tw := tar.NewWriter(out)

	err = eachEntry(src, func(hdr *tar.Header, content io.Reader) error {
		hdr, err := fn(ctx, hdr)
		if wh, ok := err.(*filter.WhiteoutDetected); ok {
			return tw.WriteHeader(wh.Marker())
		} else if err != nil {
			return err
		}
		if hdr == nil {
			return nil
		}
		return reAdd(tw, hdr, content)
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return out.Close()
}

func eachEntry(archivePath string, fn func(*tar.Header, io.Reader) error) error {
	src, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer src.Close()
	decompressed, err := compression.DecompressStream(src)
	if err != nil {
		return err
	}
	defer decompressed.Close()

	reader := tar.NewReader(decompressed)
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr, reader); err != nil {
			return err
		}
	}
}

func reAdd(tw *tar.Writer, hdr *tar.Header, content io.Reader) error {
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag == tar.TypeReg && hdr.Size > 0 {
		if _, err := io.CopyN(tw, content, hdr.Size); err != nil {
			return err
		}
	}
	return nil
}

func suppressedByWhiteout(name string, whiteouts filter.PathSet) bool {
	if whiteouts.Contains(name) {
		return true
	}
	for wh := range whiteouts {
		if strings.HasPrefix(strings.TrimSuffix(name, "/"), wh+"/") {
			return true
		}
	}
	return false
}

// finalize moves the merged archive to dest, optionally compressing it,
// and writes an OCI descriptor beside it at dest + ".json".
func finalize(ctx context.Context, merged, dest string, compress bool) (ocispec.Descriptor, error) {
	mediaType := ocispec.MediaTypeImageLayer
	if compress {
		mediaType = ocispec.MediaTypeImageLayerGzip
		in, err := os.Open(merged)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		defer in.Close()
		out, err := os.Create(dest)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		defer out.Close()
		compressed, err := compression.CompressStream(out, compression.Gzip)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		if _, err := io.Copy(compressed, in); err != nil {
			compressed.Close()
			return ocispec.Descriptor{}, err
		}
		if err := compressed.Close(); err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := out.Close(); err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := os.Remove(merged); err != nil {
			return ocispec.Descriptor{}, err
		}
	} else if merged != dest {
		if err := os.Rename(merged, dest); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	f, err := os.Open(dest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer f.Close()
	dgst, err := digest.FromReader(f)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      fi.Size(),
	}
	dt, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, os.WriteFile(dest+".json", dt, 0o644)
}
