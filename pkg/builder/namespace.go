package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/desultory/gentree/pkg/config"
	"github.com/desultory/gentree/pkg/overlay"
)

// InitNamespace prepares the build environment and chroots into it: the
// seed overlay (unless disabled), system dir binds, repos, resolv.conf
// and the pkgdir/distfiles/builds/config binds. The process is expected
// to already hold a private mount namespace.
func (b *Builder) InitNamespace(ctx context.Context, cfg *config.Config) error {
	log.G(ctx).Infof("[%s] Initializing namespace", cfg.Name)

	if err := b.mountSeedOverlay(ctx, cfg); err != nil {
		return err
	}
	if err := b.mountSystemDirs(ctx, cfg); err != nil {
		return err
	}
	if err := b.mountRepos(ctx, cfg); err != nil {
		return err
	}
	err := b.overlay.BindMount(ctx, "/etc/resolv.conf", filepath.Join(cfg.Sysroot(), "etc/resolv.conf"),
		overlay.BindOpts{Readonly: true, File: true})
	if err != nil {
		return err
	}
	for _, bind := range []struct {
		source, dest string
		recursive    bool
	}{
		{cfg.PkgDirPath(), cfg.PkgDirMount(), false},
		{cfg.DistfileDirPath(), cfg.DistfileMount(), false},
		{cfg.BuildDirPath(), cfg.BuildMount(), true},
		{cfg.ConfigDirPath(), cfg.ConfigMount(), true},
	} {
		err := b.overlay.BindMount(ctx, bind.source, bind.dest, overlay.BindOpts{Recursive: bind.recursive})
		if err != nil {
			return err
		}
	}

	log.G(ctx).Infof("Chrooting into: %s", cfg.Sysroot())
	if err := unix.Chroot(cfg.Sysroot()); err != nil {
		return errors.Wrapf(err, "chroot %s", cfg.Sysroot())
	}
	return unix.Chdir("/")
}

// mountSeedOverlay stacks a scratch overlay on the seed root so builds
// never mutate the seed itself. Disabled for seed updates, which work on
// the seed directly.
func (b *Builder) mountSeedOverlay(ctx context.Context, cfg *config.Config) error {
	if _, err := os.Stat(cfg.SeedRoot()); err != nil {
		return errors.Wrap(err, "seed root")
	}
	if cfg.NoSeedOverlay {
		log.G(ctx).Warnf("Skipping seed overlay creation")
		return nil
	}
	return b.overlay.MountOverlay(ctx, cfg.Sysroot(), cfg.SeedRoot(), overlay.MountOpts{
		Ephemeral: cfg.EphemeralSeed,
		Clean:     cfg.CleanSeed,
	})
}

func (b *Builder) mountSystemDirs(ctx context.Context, cfg *config.Config) error {
	sysroot := cfg.Sysroot()
	log.G(ctx).Infof("Mounting system directories in: %s", sysroot)
	for _, dir := range []string{"/proc", "/sys", "/dev", "/run"} {
		err := b.overlay.BindMount(ctx, dir, filepath.Join(sysroot, dir), overlay.BindOpts{Recursive: true, Readonly: true})
		if err != nil {
			return err
		}
	}
	return b.overlay.MountDevpts(ctx, filepath.Join(sysroot, "dev/pts"))
}

// mountRepos binds the system ebuild repos read-only, or the user repo
// dir read-write when bind_system_repos is unset.
func (b *Builder) mountRepos(ctx context.Context, cfg *config.Config) error {
	repos := cfg.RepoDirPath()
	readonly := false
	if cfg.BindSystemRepos {
		repos = cfg.SystemRepos
		readonly = true
		if _, err := os.Stat(repos); err != nil {
			return errors.Wrap(err, "system repos")
		}
	}
	return b.overlay.BindMount(ctx, repos, cfg.RepoMount(), overlay.BindOpts{Readonly: readonly})
}

// mountConfigOverlay overlays a portage config dir onto /etc/portage.
// Runs post-chroot; config overlays live under /config in the sysroot.
func (b *Builder) mountConfigOverlay(ctx context.Context, cfg *config.Config) error {
	if err := b.overlay.Unmount(ctx, "/etc/portage"); err != nil {
		return err
	}
	if cfg.ConfigOverlay == "" {
		log.G(ctx).Debugf("No config overlay specified")
		return nil
	}
	configDir := filepath.Join("/config", cfg.ConfigOverlay)
	if _, err := os.Stat(configDir); err != nil {
		return errors.Wrap(err, "config overlay dir")
	}
	log.G(ctx).Infof("[%s] Mounting config overlay on /etc/portage: %s", cfg.Name, configDir)
	return b.overlay.MountOverlay(ctx, "/etc/portage", configDir, overlay.MountOpts{
		Upper: "/config/.upper_config",
		Work:  "/config/.work_config",
		Clean: true,
	})
}

// UpdateSeed runs the configured world update directly on the seed root.
func (b *Builder) UpdateSeed(ctx context.Context, cfg *config.Config) error {
	cfg.CleanSeed = true
	cfg.NoSeedOverlay = true
	if err := b.InitNamespace(ctx, cfg); err != nil {
		return err
	}
	log.G(ctx).Infof("Updating seed: %s", cfg.SeedUpdateArgs)
	if err := b.emerge(ctx, strings.Fields(cfg.SeedUpdateArgs)); err != nil {
		return err
	}
	return b.emerge(ctx, []string{"--depclean"})
}

// BuildPackage builds a single binary package in the namespace, for the
// on-demand package server.
func (b *Builder) BuildPackage(ctx context.Context, cfg *config.Config, pkg string) error {
	if err := b.InitNamespace(ctx, cfg); err != nil {
		return err
	}
	log.G(ctx).Infof("Building package: %s", pkg)
	return b.emerge(ctx, []string{
		"--oneshot", "--autounmask=y", "--autounmask-continue=y",
		"--usepkg=y", "--jobs=8", "--noreplace", pkg,
	})
}

// setPortageProfile points the make.profile symlink at the configured
// profile in the configured repo.
func setPortageProfile(ctx context.Context, cfg *config.Config) error {
	if cfg.Profile == "" {
		log.G(ctx).Debugf("No portage profile set")
		return nil
	}
	profileSym := "/etc/portage/make.profile"
	profileTarget := filepath.Join("/var/db/repos", cfg.ProfileRepo, "profiles", cfg.Profile)

	if current, err := os.Readlink(profileSym); err == nil && current == profileTarget {
		log.G(ctx).Debugf("Portage profile already set: %s", profileTarget)
		return nil
	}
	if _, err := os.Stat(profileTarget); err != nil {
		return errors.Wrap(err, "portage profile")
	}
	log.G(ctx).Infof("[%s] Setting portage profile: %s", cfg.ProfileRepo, cfg.Profile)
	if err := os.Remove(profileSym); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(profileTarget, profileSym)
}

// setPortageEnv exports the configured portage environment, USE and
// FEATURES into the process environment the install runs with.
func setPortageEnv(ctx context.Context, cfg *config.Config) {
	for key, value := range cfg.Env {
		if key == "use" || key == "features" {
			continue
		}
		log.G(ctx).Debugf("Setting environment variable: %s=%s", strings.ToUpper(key), value)
		os.Setenv(strings.ToUpper(key), value)
	}
	setOrUnset := func(name, value string) {
		if value == "" {
			os.Unsetenv(name)
			return
		}
		os.Setenv(name, value)
	}
	setOrUnset("USE", cfg.Use.String())
	setOrUnset("FEATURES", cfg.Features.String())
	if !cfg.Use.Empty() {
		log.G(ctx).Infof("Environment USE flags: %s", cfg.Use)
	}
}
