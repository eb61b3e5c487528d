// Package config loads layer build configs. A config file describes one
// buildable layer; its bases reference further config files, forming a
// DAG. Default resolution is an explicit layered merge done once at load
// time (builtin < global defaults < seed section < build-tag section <
// config file < command-line overrides), producing fully resolved value
// objects: children snapshot the inherited attributes of an already
// resolved parent, never a live one. Booleans in the file layer are
// pointers so an explicit `false` overrides a true default.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/containerd/log"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/desultory/gentree/pkg/errdefs"
	"github.com/desultory/gentree/pkg/filter"
)

// DefaultPaths are the global defaults files, merged in order.
var DefaultPaths = []string{
	"/etc/genTree/config.toml",
	"~/.config/genTree/config.toml",
}

// File is the TOML-facing shape of a layer config. All fields are
// optional in child configs; restricted fields may only appear at the
// top level. Bool fields are pointers: nil means unset, so lower layers
// of the defaults stack show through only where a file is silent.
type File struct {
	Name       string `toml:"name"`
	Seed       string `toml:"seed"`
	BuildName  string `toml:"buildname"`
	BuildTag   string `toml:"build_tag"`
	PackageTag string `toml:"package_tag"`

	Bases     []string `toml:"bases"`
	Packages  []string `toml:"packages"`
	Unmerge   []string `toml:"unmerge"`
	Whiteouts []string `toml:"whiteouts"`
	Opaques   []string `toml:"opaques"`

	Profile         string `toml:"profile"`
	ProfileRepo     string `toml:"profile_repo"`
	ConfigOverlay   string `toml:"config_overlay"`
	InheritConfig   *bool  `toml:"inherit_config"`
	InheritUse      *bool  `toml:"inherit_use"`
	InheritFeatures *bool  `toml:"inherit_features"`

	Env map[string]string `toml:"env"`

	Rebuild    *bool `toml:"rebuild"`
	Depclean   *bool `toml:"depclean"`
	CleanBuild *bool `toml:"clean_build"`
	Refilter   *bool `toml:"refilter"`
	Compress   *bool `toml:"compress"`

	EphemeralSeed   *bool  `toml:"ephemeral_seed"`
	CleanSeed       *bool  `toml:"clean_seed"`
	NoSeedOverlay   *bool  `toml:"no_seed_overlay"`
	BindSystemRepos *bool  `toml:"bind_system_repos"`
	SystemRepos     string `toml:"system_repos"`
	SeedUpdateArgs  string `toml:"seed_update_args"`

	ConfRoot    string `toml:"conf_root"`
	BuildsRoot  string `toml:"builds_root"`
	SeedDir     string `toml:"seed_dir"`
	BuildDir    string `toml:"build_dir"`
	ConfigDir   string `toml:"config_dir"`
	PkgDir      string `toml:"pkgdir"`
	DistfileDir string `toml:"distfile_dir"`
	RepoDir     string `toml:"repo_dir"`

	OutputFile       string `toml:"output_file"`
	ArchiveExtension string `toml:"archive_extension"`

	EmergeArgs  map[string]string `toml:"emerge_args"`
	EmergeBools map[string]bool   `toml:"emerge_bools"`

	TarFilter   FilterOptions `toml:"tar_filter_options"`
	CleanFilter FilterOptions `toml:"clean_filter_options"`
}

// FilterOptions is the TOML shape of filter.Options, with pointer bools
// so each stage toggle layers independently across the defaults stack.
type FilterOptions struct {
	Whiteout    *bool `toml:"whiteout"`
	Dev         *bool `toml:"dev"`
	Man         *bool `toml:"man"`
	Docs        *bool `toml:"docs"`
	Include     *bool `toml:"include"`
	Locales     *bool `toml:"locales"`
	Charmaps    *bool `toml:"charmaps"`
	Completions *bool `toml:"completions"`
	VarDBPkg    *bool `toml:"vardbpkg"`
}

func (o *FilterOptions) overlay(src FilterOptions) {
	for _, f := range []struct{ dst, src **bool }{
		{&o.Whiteout, &src.Whiteout},
		{&o.Dev, &src.Dev},
		{&o.Man, &src.Man},
		{&o.Docs, &src.Docs},
		{&o.Include, &src.Include},
		{&o.Locales, &src.Locales},
		{&o.Charmaps, &src.Charmaps},
		{&o.Completions, &src.Completions},
		{&o.VarDBPkg, &src.VarDBPkg},
	} {
		if *f.src != nil {
			*f.dst = ptrBool(**f.src)
		}
	}
}

func (o FilterOptions) resolve() filter.Options {
	return filter.Options{
		Whiteout:    boolVal(o.Whiteout),
		Dev:         boolVal(o.Dev),
		Man:         boolVal(o.Man),
		Docs:        boolVal(o.Docs),
		Include:     boolVal(o.Include),
		Locales:     boolVal(o.Locales),
		Charmaps:    boolVal(o.Charmaps),
		Completions: boolVal(o.Completions),
		VarDBPkg:    boolVal(o.VarDBPkg),
	}
}

// SeedDefaults overrides defaults for one seed, with optional per-tag
// refinements.
type SeedDefaults struct {
	File
	Tags map[string]File `toml:"tags"`
}

// Defaults is the layered defaults table.
type Defaults struct {
	File
	Seeds map[string]SeedDefaults `toml:"seeds"`
}

func builtinDefaults() Defaults {
	return Defaults{
		File: File{
			ConfRoot:         "~/.local/share/genTree",
			ProfileRepo:      "gentoo",
			ArchiveExtension: ".tar",
			SystemRepos:      "/var/db/repos",
			CleanBuild:       ptrBool(true),
			Refilter:         ptrBool(true),
			InheritFeatures:  ptrBool(true),
			EmergeBools:      map[string]bool{"usepkg": true},
			TarFilter: FilterOptions{
				Whiteout: ptrBool(true),
				Dev:      ptrBool(true),
			},
		},
	}
}

// LoadDefaults merges the defaults files at paths over the builtin
// defaults. Missing files are skipped; later files win, with lists
// appended rather than replaced.
func LoadDefaults(ctx context.Context, paths ...string) (*Defaults, error) {
	defaults := builtinDefaults()
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, p := range paths {
		p = expandUser(p)
		r, err := os.Open(p)
		if err != nil {
			log.G(ctx).WithError(err).Debugf("Not loading defaults from %q", p)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var override Defaults
		err = toml.NewDecoder(r).Decode(&override)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to load defaults from %q: %w", p, err)
		}
		if err := mergeDefaults(&defaults, override); err != nil {
			return nil, fmt.Errorf("failed to merge defaults from %q: %w", p, err)
		}
		log.G(ctx).Debugf("Loaded defaults from %q", p)
	}
	return &defaults, nil
}

// Resolve flattens the defaults table for a seed and build tag.
func (d *Defaults) Resolve(seed, tag string) (File, error) {
	out := d.File
	if sd, ok := d.Seeds[seed]; ok {
		if err := mergeFile(&out, sd.File); err != nil {
			return out, err
		}
		if td, ok := sd.Tags[tag]; ok {
			if err := mergeFile(&out, td); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// Config is a fully resolved layer config: one node in the base DAG. The
// concrete fields shadow File's pointer bools with their resolved
// values; the embedded File keeps the merged raw form.
type Config struct {
	File

	Rebuild    bool
	Depclean   bool
	CleanBuild bool
	Refilter   bool
	Compress   bool

	EphemeralSeed   bool
	CleanSeed       bool
	NoSeedOverlay   bool
	BindSystemRepos bool

	TarFilter   filter.Options
	CleanFilter filter.Options

	// Bases are the resolved child configs, in declared order.
	Bases []*Config

	// Whiteouts and Opaques accumulate marker paths while this config's
	// own layer content is extracted. Append-only.
	Whiteouts filter.PathSet
	Opaques   filter.PathSet

	// Use and Features are the resolved portage flag sets.
	Use      *Flags
	Features *Flags

	// Path of the file this config was loaded from.
	Path string
}

// NewConfig resolves a fully merged File into a Config.
func NewConfig(f File) *Config {
	return &Config{
		File:            f,
		Rebuild:         boolVal(f.Rebuild),
		Depclean:        boolVal(f.Depclean),
		CleanBuild:      boolVal(f.CleanBuild),
		Refilter:        boolVal(f.Refilter),
		Compress:        boolVal(f.Compress),
		EphemeralSeed:   boolVal(f.EphemeralSeed),
		CleanSeed:       boolVal(f.CleanSeed),
		NoSeedOverlay:   boolVal(f.NoSeedOverlay),
		BindSystemRepos: boolVal(f.BindSystemRepos),
		TarFilter:       f.TarFilter.resolve(),
		CleanFilter:     f.CleanFilter.resolve(),
		Whiteouts:       filter.NewPathSet(f.Whiteouts...),
		Opaques:         filter.NewPathSet(f.Opaques...),
		Use:             ParseFlags(f.Env["use"]),
		Features:        ParseFlags(f.Env["features"]),
	}
}

// Fields that may only be set in a top-level config.
var childRestricted = []struct {
	key string
	get func(*File) string
}{
	{"seed", func(f *File) string { return f.Seed }},
	{"build_tag", func(f *File) string { return f.BuildTag }},
	{"package_tag", func(f *File) string { return f.PackageTag }},
	{"buildname", func(f *File) string { return f.BuildName }},
	{"conf_root", func(f *File) string { return f.ConfRoot }},
	{"builds_root", func(f *File) string { return f.BuildsRoot }},
	{"seed_dir", func(f *File) string { return f.SeedDir }},
	{"build_dir", func(f *File) string { return f.BuildDir }},
	{"config_dir", func(f *File) string { return f.ConfigDir }},
	{"pkgdir", func(f *File) string { return f.PkgDir }},
	{"distfile_dir", func(f *File) string { return f.DistfileDir }},
	{"repo_dir", func(f *File) string { return f.RepoDir }},
	{"output_file", func(f *File) string { return f.OutputFile }},
}

// Load reads the top-level config at path, resolves it against defaults,
// applies the non-zero fields of overrides last, and recursively loads
// its bases.
func Load(ctx context.Context, path string, defaults *Defaults, overrides *File) (*Config, error) {
	if defaults == nil {
		d := builtinDefaults()
		defaults = &d
	}
	return load(ctx, path, defaults, overrides, nil)
}

func load(ctx context.Context, path string, defaults *Defaults, overrides *File, parent *Config) (*Config, error) {
	f, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	log.G(ctx).Debugf("[%s] Loaded config: %s", path, f.Name)

	var resolved File
	if parent != nil {
		for _, restricted := range childRestricted {
			if restricted.get(f) != "" {
				return nil, errdefs.Configf("cannot set %s in a child config: %s", restricted.key, path)
			}
		}
		resolved, err = inheritParent(defaults, f, parent)
	} else {
		resolved, err = resolveTopLevel(defaults, f, overrides)
	}
	if err != nil {
		return nil, err
	}
	if resolved.Seed == "" {
		return nil, errdefs.Configf("seed must be set in the top level config: %s", path)
	}

	cfg := NewConfig(resolved)
	cfg.Path = path
	cfg.resolveFlags(parent)

	for _, baseRef := range resolved.Bases {
		basePath, err := cfg.findBase(baseRef, filepath.Dir(path))
		if err != nil {
			return nil, err
		}
		base, err := load(ctx, basePath, defaults, nil, cfg)
		if err != nil {
			return nil, err
		}
		cfg.Bases = append(cfg.Bases, base)
	}
	return cfg, nil
}

func decodeFile(path string) (*File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Configf("failed to open config: %v", err)
	}
	defer r.Close()

	f := &File{}
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return nil, errdefs.Configf("failed to parse %s: %v", path, err)
	}
	return f, nil
}

func resolveTopLevel(defaults *Defaults, f *File, overrides *File) (File, error) {
	seed := f.Seed
	if seed == "" {
		seed = defaults.Seed
	}
	tag := f.BuildTag
	if tag == "" && overrides != nil {
		tag = overrides.BuildTag
	}

	resolved, err := defaults.Resolve(seed, tag)
	if err != nil {
		return resolved, err
	}
	if err := mergeFile(&resolved, *f); err != nil {
		return resolved, err
	}
	if overrides != nil {
		if err := mergeFile(&resolved, *overrides); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

// inheritParent builds a child's resolved File: defaults for the parent's
// seed and tag, the inherited attribute snapshot from the parent, then
// the child's own file values on top.
func inheritParent(defaults *Defaults, f *File, parent *Config) (File, error) {
	resolved, err := defaults.Resolve(parent.Seed, parent.BuildTag)
	if err != nil {
		return resolved, err
	}

	resolved.Seed = parent.Seed
	resolved.BuildTag = parent.BuildTag
	resolved.PackageTag = parent.PackageTag
	resolved.CleanBuild = ptrBool(parent.CleanBuild)
	resolved.Rebuild = ptrBool(parent.Rebuild)
	resolved.Profile = parent.Profile
	resolved.ProfileRepo = parent.ProfileRepo

	// Path roots are top-level only; children compute paths off the same
	// roots as the root config.
	resolved.ConfRoot = parent.ConfRoot
	resolved.BuildsRoot = parent.BuildsRoot
	resolved.SeedDir = parent.SeedDir
	resolved.BuildDir = parent.BuildDir
	resolved.ConfigDir = parent.ConfigDir
	resolved.PkgDir = parent.PkgDir
	resolved.DistfileDir = parent.DistfileDir
	resolved.RepoDir = parent.RepoDir
	resolved.ArchiveExtension = parent.ArchiveExtension

	if boolVal(f.InheritConfig) {
		if f.ConfigOverlay != "" {
			return resolved, errdefs.Configf("inherit_config is set but config_overlay is already defined: %s", f.ConfigOverlay)
		}
		resolved.ConfigOverlay = parent.ConfigOverlay
	}

	if err := mergeFile(&resolved, *f); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// resolveFlags parses USE and FEATURES from the env table. FEATURES are
// inherited from the parent by default; USE only when inherit_use is set.
func (c *Config) resolveFlags(parent *Config) {
	c.Use = ParseFlags(c.Env["use"])
	if parent != nil && boolVal(c.InheritUse) {
		use := ParseFlags(parent.Use.String())
		use.Merge(c.Use)
		c.Use = use
	}
	c.Features = ParseFlags(c.Env["features"])
	if parent != nil && boolVal(c.InheritFeatures) {
		features := ParseFlags(parent.Features.String())
		features.Merge(c.Features)
		c.Features = features
	}
}

// findBase locates a base config reference: explicit .toml paths resolve
// relative to the referencing file, bare names against the config dir.
func (c *Config) findBase(ref, relativeTo string) (string, error) {
	var candidates []string
	if strings.HasSuffix(ref, ".toml") {
		if filepath.IsAbs(ref) {
			candidates = []string{ref}
		} else {
			candidates = []string{filepath.Join(relativeTo, ref)}
		}
	} else {
		candidates = []string{
			filepath.Join(relativeTo, ref+".toml"),
			filepath.Join(c.ConfigDirPath(), ref+".toml"),
		}
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errdefs.Configf("base config not found: %s", ref)
}

// EmergeFlags renders the full emerge argument list for this config's
// package install.
func (c *Config) EmergeFlags() []string {
	args := []string{"--root", c.OverlayRoot()}
	keys := make([]string, 0, len(c.EmergeArgs))
	for k := range c.EmergeArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k+"="+c.EmergeArgs[k])
	}
	args = append(args, emergeBoolArgs(c.EmergeBools)...)
	return append(args, c.Packages...)
}
