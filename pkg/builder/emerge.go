package builder

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/containerd/log"
	"github.com/pkg/errors"
)

// EmergeFunc runs the package manager with the given arguments. The
// build pipeline treats it as opaque: success or failure, nothing else.
// Implementations must surface diagnostic output on failure.
type EmergeFunc func(ctx context.Context, args []string) error

const emergeLogPath = "/var/log/emerge.log"

// DefaultEmerge execs emerge. On failure it captures `emerge --info` and
// the portion of the emerge log written during this run, so build
// failures inside the chroot are debuggable from the outside.
func DefaultEmerge(ctx context.Context, args []string) error {
	logStart := emergeLogSize()

	log.G(ctx).Infof("[E] emerge %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "emerge", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}

	if info, infoErr := exec.Command("emerge", "--info").Output(); infoErr == nil {
		log.G(ctx).Errorf("Emerge info:\n%s", info)
	}
	if tail := emergeLogSince(logStart); tail != "" {
		log.G(ctx).Errorf("Emerge log:\n%s", tail)
	}
	return errors.Wrapf(err, "emerge %s", strings.Join(args, " "))
}

func emergeLogSize() int64 {
	fi, err := os.Stat(emergeLogPath)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func emergeLogSince(offset int64) string {
	f, err := os.Open(emergeLogPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	dt, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(dt)
}
