// Package overlay manages the OS-level mounts a build needs: overlayfs
// stacks, bind mounts, tmpfs scratch space and the devpts instance for
// the chroot. Mount failures are fatal to the build; previously
// established mounts are intentionally left in place for inspection since
// blind unwinding of a partially composed stack risks data loss.
package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/mount"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"

	"github.com/desultory/gentree/pkg/errdefs"
)

// Composer performs the mount operations for one build. The build owns
// the mount namespace exclusively; nothing here is safe for concurrent
// use against the same paths.
type Composer struct {
	// UserXattr mounts overlays with the userxattr option, required for
	// rootless (user namespace) overlay mounts.
	UserXattr bool
}

// MountOpts configures an overlay mount.
type MountOpts struct {
	// Upper and Work override the derived scratch paths. When empty they
	// are derived as siblings of the lower dir.
	Upper string
	Work  string

	// Ephemeral places upper and work inside an unbounded tmpfs so the
	// layer contents vanish with the mount.
	Ephemeral bool

	// Clean removes pre-existing upper and work contents before mounting.
	Clean bool
}

// DefaultUpper derives the upper dir used when none is configured.
func DefaultUpper(lower string) string {
	return filepath.Join(filepath.Dir(lower), "."+filepath.Base(lower)+"_upper")
}

// DefaultWork derives the work dir used when none is configured.
func DefaultWork(lower string) string {
	return filepath.Join(filepath.Dir(lower), "."+filepath.Base(lower)+"_work")
}

func tmpRoot(lower string) string {
	return filepath.Join(filepath.Dir(lower), "."+filepath.Base(lower)+"_tmp")
}

// MountOverlay mounts an overlayfs at mountpoint with the given lower
// dir. The lower dir must already exist and be fully populated; the work
// dir ends up on the same filesystem as the upper dir. An existing mount
// at mountpoint is unmounted first.
func (c *Composer) MountOverlay(ctx context.Context, mountpoint, lower string, opts MountOpts) error {
	if _, err := os.Stat(lower); err != nil {
		return errors.Wrap(err, "overlay lower dir")
	}
	if err := c.prepareMountpoint(ctx, mountpoint); err != nil {
		return err
	}

	upper, work := opts.Upper, opts.Work
	if opts.Ephemeral {
		tmp := tmpRoot(lower)
		if err := c.MountTmpfs(ctx, tmp, 0); err != nil {
			return err
		}
		upper = filepath.Join(tmp, "upper")
		work = filepath.Join(tmp, "work")
	} else {
		if upper == "" {
			upper = DefaultUpper(lower)
		}
		if work == "" {
			work = DefaultWork(lower)
		}
	}

	if opts.Clean {
		for _, dir := range []string{upper, work} {
			if _, err := os.Stat(dir); err == nil {
				log.G(ctx).Warnf("Cleaning directory: %s", dir)
				if err := os.RemoveAll(dir); err != nil {
					return errors.Wrap(err, "cleaning overlay scratch dir")
				}
			}
		}
	}
	for _, dir := range []string{upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	options := []string{
		fmt.Sprintf("lowerdir=%s", lower),
		fmt.Sprintf("upperdir=%s", upper),
		fmt.Sprintf("workdir=%s", work),
	}
	if c.UserXattr {
		options = append([]string{"userxattr"}, options...)
	}

	log.G(ctx).WithField("lower", lower).Infof("Mounting overlay on: %s", mountpoint)
	m := mount.Mount{Type: "overlay", Source: "overlay", Options: options}
	if err := mount.All([]mount.Mount{m}, mountpoint); err != nil {
		return errdefs.WrapMount(err, mountpoint)
	}
	return nil
}

// BindOpts configures a bind mount.
type BindOpts struct {
	Recursive bool
	Readonly  bool

	// File marks the bind target as a plain file (e.g. resolv.conf);
	// missing endpoints are created as empty files instead of dirs.
	File bool
}

// BindMount binds source over dest, creating missing endpoints to match
// the source's type. An existing mount at dest is unmounted first.
func (c *Composer) BindMount(ctx context.Context, source, dest string, opts BindOpts) error {
	for _, p := range []string{source, dest} {
		if _, err := os.Lstat(p); err == nil {
			continue
		}
		if opts.File {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			f.Close()
		} else if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}

	if mounted, err := mountinfo.Mounted(dest); err == nil && mounted {
		log.G(ctx).Infof("Unmounting: %s", dest)
		if err := mount.UnmountAll(dest, 0); err != nil {
			return errdefs.WrapMount(err, dest)
		}
	}

	options := []string{"bind"}
	if opts.Recursive {
		options = []string{"rbind"}
	}
	if opts.Readonly {
		options = append(options, "ro")
	}

	log.G(ctx).WithField("source", source).Infof("Bind mounting over: %s", dest)
	m := mount.Mount{Type: "none", Source: source, Options: options}
	if err := mount.All([]mount.Mount{m}, dest); err != nil {
		return errdefs.WrapMount(err, dest)
	}
	return nil
}

// MountTmpfs mounts a tmpfs at mountpoint. A size of 0 leaves it
// unbounded.
func (c *Composer) MountTmpfs(ctx context.Context, mountpoint string, size int64) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	options := []string{"rw"}
	if size > 0 {
		options = append(options, fmt.Sprintf("size=%d", size))
	}
	log.G(ctx).Infof("Mounting tmpfs on: %s", mountpoint)
	m := mount.Mount{Type: "tmpfs", Source: "tmpfs", Options: options}
	if err := mount.All([]mount.Mount{m}, mountpoint); err != nil {
		return errdefs.WrapMount(err, mountpoint)
	}
	return nil
}

// MountDevpts mounts a devpts instance at target.
func (c *Composer) MountDevpts(ctx context.Context, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	m := mount.Mount{Type: "devpts", Source: "devpts", Options: []string{"newinstance", "ptmxmode=0666"}}
	if err := mount.All([]mount.Mount{m}, target); err != nil {
		return errdefs.WrapMount(err, target)
	}
	return nil
}

// Unmount unmounts target. It is a no-op when target is not mounted.
func (c *Composer) Unmount(ctx context.Context, target string) error {
	if mounted, err := mountinfo.Mounted(target); err != nil || !mounted {
		return nil
	}
	log.G(ctx).Infof("Unmounting: %s", target)
	if err := mount.UnmountAll(target, 0); err != nil {
		return errdefs.WrapMount(err, target)
	}
	return nil
}

// prepareMountpoint creates the mountpoint if missing, or unmounts it if
// something is already mounted there so the remount is idempotent.
func (c *Composer) prepareMountpoint(ctx context.Context, mountpoint string) error {
	if _, err := os.Stat(mountpoint); os.IsNotExist(err) {
		return os.MkdirAll(mountpoint, 0o755)
	}
	if mounted, err := mountinfo.Mounted(mountpoint); err == nil && mounted {
		log.G(ctx).Infof("Unmounting existing overlay on: %s", mountpoint)
		if err := mount.UnmountAll(mountpoint, 0); err != nil {
			return errdefs.WrapMount(err, mountpoint)
		}
	}
	return nil
}
