package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultBuildsRoot is where build trees live inside the chroot; the
// build dir is bind mounted here before the namespace pivots into the
// sysroot. builds_root overrides it, top-level only.
const DefaultBuildsRoot = "/builds"

func (c *Config) buildsRoot() string {
	if c.BuildsRoot != "" {
		return expandUser(c.BuildsRoot)
	}
	return DefaultBuildsRoot
}

func expandUser(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (c *Config) onConfRoot(name string) string {
	return filepath.Join(expandUser(c.ConfRoot), name)
}

// Buildname uniquely identifies this config's build artifacts:
// <seed>[-<build_tag>]-<name>, unless overridden.
func (c *Config) Buildname() string {
	if c.BuildName != "" {
		return c.BuildName
	}
	buildname := c.Seed
	if c.BuildTag != "" {
		buildname += "-" + c.BuildTag
	}
	return buildname + "-" + c.Name
}

// OverlayRoot is the overlay mountpoint the build installs into.
func (c *Config) OverlayRoot() string {
	return filepath.Join(c.buildsRoot(), c.Buildname())
}

// LowerRoot is the merged base content the overlay reads from.
func (c *Config) LowerRoot() string {
	return filepath.Join(c.buildsRoot(), "."+c.Buildname()+"_lower")
}

// UpperRoot is the writable delta the overlay writes into.
func (c *Config) UpperRoot() string {
	return filepath.Join(c.buildsRoot(), c.Buildname()+"_upper")
}

// WorkRoot is the overlayfs scratch dir; it shares a filesystem with the
// upper dir.
func (c *Config) WorkRoot() string {
	return filepath.Join(c.buildsRoot(), "."+c.Buildname()+"_work")
}

// LayerArchive is this config's own packed layer.
func (c *Config) LayerArchive() string {
	return c.OverlayRoot() + c.ArchiveExtension
}

// OutputArchive is the composed full-image archive, named distinctly
// from any per-layer archive.
func (c *Config) OutputArchive() string {
	if c.OutputFile != "" {
		return filepath.Join(c.buildsRoot(), c.OutputFile)
	}
	return filepath.Join(c.buildsRoot(), c.Buildname()+"-full"+c.ArchiveExtension)
}

func (c *Config) SeedDirPath() string {
	if c.SeedDir != "" {
		return expandUser(c.SeedDir)
	}
	return c.onConfRoot("seeds")
}

func (c *Config) BuildDirPath() string {
	if c.BuildDir != "" {
		return expandUser(c.BuildDir)
	}
	return c.onConfRoot("builds")
}

func (c *Config) ConfigDirPath() string {
	if c.ConfigDir != "" {
		return expandUser(c.ConfigDir)
	}
	return c.onConfRoot("config")
}

func (c *Config) DistfileDirPath() string {
	if c.DistfileDir != "" {
		return expandUser(c.DistfileDir)
	}
	return c.onConfRoot("distfiles")
}

func (c *Config) RepoDirPath() string {
	if c.RepoDir != "" {
		return expandUser(c.RepoDir)
	}
	return c.onConfRoot("repos")
}

// PkgDirPath is the binary package store, split by package or build tag.
func (c *Config) PkgDirPath() string {
	if c.PkgDir != "" {
		return expandUser(c.PkgDir)
	}
	pkgdir := "pkgdir"
	if c.PackageTag != "" {
		pkgdir += "_" + c.PackageTag
	} else if c.BuildTag != "" {
		pkgdir += "_" + c.BuildTag
	}
	return c.onConfRoot(pkgdir)
}

// SeedRoot is the pristine seed rootfs.
func (c *Config) SeedRoot() string {
	return filepath.Join(c.SeedDirPath(), c.Seed)
}

// Sysroot is where the seed (or its overlay) is mounted and chrooted
// into for the build.
func (c *Config) Sysroot() string {
	if c.NoSeedOverlay {
		return c.SeedRoot()
	}
	return filepath.Join(c.SeedDirPath(), c.Seed+"_sysroot")
}

func (c *Config) PkgDirMount() string {
	return filepath.Join(c.Sysroot(), "var/cache/binpkgs")
}

func (c *Config) DistfileMount() string {
	return filepath.Join(c.Sysroot(), "var/cache/distfiles")
}

func (c *Config) BuildMount() string {
	return filepath.Join(c.Sysroot(), "builds")
}

func (c *Config) ConfigMount() string {
	return filepath.Join(c.Sysroot(), "config")
}

func (c *Config) RepoMount() string {
	return filepath.Join(c.Sysroot(), "var/db/repos")
}
