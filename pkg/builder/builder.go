// Package builder orchestrates layer builds: it walks the base DAG in
// depth-first post-order, composes base layers into a lower dir, mounts
// the build overlay, drives the package install through an injected
// emerge callback and packs the result into layer archives. One build
// pipeline is strictly sequential; it assumes exclusive ownership of the
// mount namespace and of every path it touches.
package builder

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/log"
	cfs "github.com/containerd/continuity/fs"

	"github.com/desultory/gentree/pkg/config"
	"github.com/desultory/gentree/pkg/errdefs"
	"github.com/desultory/gentree/pkg/filter"
	"github.com/desultory/gentree/pkg/layer"
	"github.com/desultory/gentree/pkg/overlay"
)

// State tracks one config's progress through a build. Failed is reached
// from any state and aborts the whole build; there is no retry.
type State int

const (
	StatePending State = iota
	StateBasesBuilt
	StateDeployed
	StateComposed
	StateInstalled
	StatePacked
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBasesBuilt:
		return "bases-built"
	case StateDeployed:
		return "deployed"
	case StateComposed:
		return "composed"
	case StateInstalled:
		return "installed"
	case StatePacked:
		return "packed"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// Builder builds layer trees.
type Builder struct {
	overlay *overlay.Composer
	emerge  EmergeFunc
}

// Opt configures a Builder.
type Opt func(*Builder)

// WithEmergeFunc overrides the default emerge invocation, e.g. for tests
// or alternate package managers.
func WithEmergeFunc(fn EmergeFunc) Opt {
	return func(b *Builder) { b.emerge = fn }
}

// WithUserXattr mounts overlays with userxattr, for rootless builds.
func WithUserXattr() Opt {
	return func(b *Builder) { b.overlay.UserXattr = true }
}

func New(opts ...Opt) *Builder {
	b := &Builder{
		overlay: &overlay.Composer{UserXattr: true},
		emerge:  DefaultEmerge,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildTree builds the whole tree for cfg inside the namespace and packs
// every layer into the final output archive.
func (b *Builder) BuildTree(ctx context.Context, cfg *config.Config) error {
	if err := b.InitNamespace(ctx, cfg); err != nil {
		return err
	}
	log.G(ctx).Infof("Building tree for: %s", cfg.Name)
	if err := b.Build(ctx, cfg); err != nil {
		return err
	}
	return b.PackAll(ctx, cfg)
}

// Build builds all bases under cfg, composes them into the lower dir,
// installs and unmerges packages in the overlay, and packs the upper dir
// into cfg's layer archive.
func (b *Builder) Build(ctx context.Context, cfg *config.Config) (err error) {
	state := StatePending
	defer func() {
		if err != nil {
			log.G(ctx).WithField("state", state.String()).Errorf("[%s] Build failed", cfg.Name)
		}
	}()

	if err = b.buildBases(ctx, cfg); err != nil {
		return err
	}
	state = StateBasesBuilt

	if _, serr := os.Stat(cfg.LayerArchive()); serr == nil && !cfg.Rebuild {
		log.G(ctx).Warnf("[%s] Skipping build, layer archive exists: %s", cfg.Name, cfg.LayerArchive())
		return nil
	}

	if err = b.deployBases(ctx, cfg, cfg.LowerRoot(), make(map[string]struct{})); err != nil {
		return err
	}
	state = StateDeployed

	err = b.overlay.MountOverlay(ctx, cfg.OverlayRoot(), cfg.LowerRoot(), overlay.MountOpts{
		Upper: cfg.UpperRoot(),
		Work:  cfg.WorkRoot(),
		Clean: cfg.CleanBuild,
	})
	if err != nil {
		return err
	}
	if err = b.mountConfigOverlay(ctx, cfg); err != nil {
		return err
	}
	state = StateComposed

	if err = b.performInstall(ctx, cfg); err != nil {
		return err
	}
	if err = b.performUnmerge(ctx, cfg); err != nil {
		return err
	}
	state = StateInstalled

	if err = b.cleanTree(ctx, cfg); err != nil {
		return err
	}
	if err = b.pack(ctx, cfg); err != nil {
		return err
	}
	state = StatePacked

	state = StateDone
	return nil
}

func (b *Builder) buildBases(ctx context.Context, cfg *config.Config) error {
	for _, base := range cfg.Bases {
		log.G(ctx).Infof("[%s] Building base: %s", cfg.Name, base.Name)
		if err := b.Build(ctx, base); err != nil {
			return err
		}
	}
	return nil
}

// deployBases extracts every base layer into dest in declared order,
// depth-first post-order, deduplicating shared bases by layer archive so
// a base referenced from several points in the DAG is merged exactly
// once. Later bases overwrite earlier bases' files.
func (b *Builder) deployBases(ctx context.Context, cfg *config.Config, dest string, deployed map[string]struct{}) error {
	if len(cfg.Bases) == 0 {
		return os.MkdirAll(dest, 0o755)
	}
	for _, base := range cfg.Bases {
		if _, ok := deployed[base.LayerArchive()]; ok {
			log.G(ctx).Debugf("Skipping already deployed base: %s", base.LayerArchive())
			continue
		}
		log.G(ctx).Debugf("[%s] Handling base: %s", cfg.Name, base.Name)
		if err := b.deployBases(ctx, base, dest, deployed); err != nil {
			return err
		}
		if err := b.deployBase(ctx, cfg, base, dest); err != nil {
			return err
		}
		deployed[base.LayerArchive()] = struct{}{}
	}
	return nil
}

// deployBase extracts one base's layer archive into dest, recording any
// markers it carries into cfg's sets, then applies the accumulated
// opaques and whiteouts to the merged tree. The world file is preserved
// across the extraction.
func (b *Builder) deployBase(ctx context.Context, cfg *config.Config, base *config.Config, dest string) error {
	world, err := worldSet(dest)
	if err != nil {
		return err
	}

	f := filter.New(filter.Extract, base.TarFilter)
	tracker := &filter.Tracker{Whiteouts: cfg.Whiteouts, Opaques: cfg.Opaques}
	if err := layer.Extract(ctx, base.LayerArchive(), dest, f, tracker); err != nil {
		return errdefs.WrapArchiveRead(err, base.Name, base.LayerArchive())
	}
	log.G(ctx).Debugf("[%s] Extracted base: %s", cfg.Name, base.LayerArchive())

	if err := layer.ApplyOpaques(ctx, dest, cfg.Opaques); err != nil {
		return err
	}
	if err := layer.ApplyWhiteouts(ctx, dest, cfg.Whiteouts); err != nil {
		return err
	}
	return restoreWorld(ctx, dest, world)
}

func (b *Builder) performInstall(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Packages) == 0 {
		log.G(ctx).Debugf("[%s] No packages to build", cfg.Name)
		return nil
	}
	if err := setPortageProfile(ctx, cfg); err != nil {
		return err
	}
	setPortageEnv(ctx, cfg)

	log.G(ctx).Infof("[%s] Emerging packages: %v", cfg.Name, cfg.Packages)
	if err := b.emerge(ctx, cfg.EmergeFlags()); err != nil {
		return err
	}
	if cfg.Depclean {
		return b.emerge(ctx, []string{"--root", cfg.OverlayRoot(), "--depclean", "--with-bdeps=n"})
	}
	return nil
}

func (b *Builder) performUnmerge(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Unmerge) == 0 {
		return nil
	}
	log.G(ctx).Infof("[%s] Unmerging packages: %v", cfg.Name, cfg.Unmerge)
	args := append([]string{"--root", cfg.OverlayRoot(), "--unmerge"}, cfg.Unmerge...)
	return b.emerge(ctx, args)
}

// cleanTree removes paths matched by the clean filter options from the
// built overlay before packing.
func (b *Builder) cleanTree(ctx context.Context, cfg *config.Config) error {
	root := cfg.OverlayRoot()
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == root {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if !filter.MatchPath(cfg.CleanFilter, filepath.ToSlash(rel)) {
			return nil
		}
		log.G(ctx).Debugf("Cleaning: %s", p)
		if err := os.RemoveAll(p); err != nil {
			return err
		}
		if d.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
}

func (b *Builder) pack(ctx context.Context, cfg *config.Config) error {
	log.G(ctx).Infof("[%s] Packing tree: %s", cfg.Name, cfg.LayerArchive())
	if usage, err := cfs.DiskUsage(ctx, cfg.UpperRoot()); err == nil {
		log.G(ctx).Debugf("[%s] Upper dir usage: %d bytes, %d inodes", cfg.Name, usage.Size, usage.Inodes)
	}

	f := filter.New(filter.Pack, cfg.TarFilter)
	stats, err := layer.Pack(ctx, cfg.UpperRoot(), cfg.LayerArchive(), f)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("digest", stats.Digest).Infof(
		"[%s] Created archive: %s (%d entries, %d whiteouts, %d bytes)",
		cfg.Name, cfg.LayerArchive(), stats.Entries, stats.Whiteouts, stats.Size)
	return nil
}

// PackAll composes every base layer archive plus cfg's own layer into
// the final full-image archive.
func (b *Builder) PackAll(ctx context.Context, cfg *config.Config) error {
	layers := collectLayers(cfg, make(map[string]struct{}))
	layers = append(layers, cfg.LayerArchive())
	log.G(ctx).Infof("[%s] Packing layers: %v", cfg.Name, layers)

	opts := layer.ComposeOpts{
		Whiteouts: cfg.Whiteouts,
		Compress:  cfg.Compress,
	}
	if cfg.Refilter {
		opts.Refilter = filter.New(filter.Pack, cfg.TarFilter)
	}
	_, err := layer.ComposeFull(ctx, layers, cfg.OutputArchive(), opts)
	return err
}

// collectLayers lists base layer archives in deploy order (depth-first
// post-order, deduplicated) without touching the filesystem.
func collectLayers(cfg *config.Config, seen map[string]struct{}) []string {
	var layers []string
	for _, base := range cfg.Bases {
		if _, ok := seen[base.LayerArchive()]; ok {
			continue
		}
		layers = append(layers, collectLayers(base, seen)...)
		layers = append(layers, base.LayerArchive())
		seen[base.LayerArchive()] = struct{}{}
	}
	return layers
}
