package command

import (
	"fmt"
	"os"

	"github.com/containerd/containerd/log"
	cfs "github.com/containerd/continuity/fs"
	cli "github.com/urfave/cli/v2"

	"github.com/desultory/gentree/pkg/builder"
	"github.com/desultory/gentree/pkg/config"
	"github.com/desultory/gentree/pkg/filter"
	"github.com/desultory/gentree/pkg/layer"
)

var importSeedCommand = &cli.Command{
	Name:      "import-seed",
	Usage:     "imports a stage archive or directory as a named seed",
	ArgsUsage: "<archive|dir> <name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return fmt.Errorf("must provide a source and a seed name")
		}
		source, name := c.Args().Get(0), c.Args().Get(1)

		cfg, err := seedConfig(c, name)
		if err != nil {
			return err
		}
		dest := cfg.SeedRoot()
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("seed already exists: %s", dest)
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}

		fi, err := os.Stat(source)
		if err != nil {
			return err
		}
		log.G(c.Context).Infof("Importing seed %q from: %s", name, source)
		if fi.IsDir() {
			return cfs.CopyDir(dest, source)
		}
		f := filter.New(filter.Extract, filter.Options{Dev: true})
		return layer.Extract(c.Context, source, dest, f, filter.NewTracker())
	},
}

var updateSeedCommand = &cli.Command{
	Name:      "update-seed",
	Usage:     "runs a world update directly on a seed",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("must provide a seed name")
		}

		cfg, err := seedConfig(c, c.Args().Get(0))
		if err != nil {
			return err
		}
		return builder.New().UpdateSeed(c.Context, cfg)
	},
}

// seedConfig builds a resolved config for seed-level operations, which
// have no config file of their own.
func seedConfig(c *cli.Context, seed string) (*config.Config, error) {
	defaults, err := config.LoadDefaults(c.Context)
	if err != nil {
		return nil, err
	}
	file, err := defaults.Resolve(seed, "")
	if err != nil {
		return nil, err
	}
	file.Seed = seed
	file.Name = seed
	if file.SeedUpdateArgs == "" {
		file.SeedUpdateArgs = "--update --deep --newuse @world"
	}
	return config.NewConfig(file), nil
}
