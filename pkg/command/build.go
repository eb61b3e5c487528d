package command

import (
	"fmt"

	cli "github.com/urfave/cli/v2"

	"github.com/desultory/gentree/pkg/builder"
	"github.com/desultory/gentree/pkg/config"
)

var buildCommand = &cli.Command{
	Name:  "build",
	Usage: "builds the layer tree for a config file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "build-tag",
			Usage: "build tag appended to build names and the pkgdir",
		},
		&cli.BoolFlag{
			Name:  "rebuild",
			Usage: "rebuild layers even when their archives exist",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("must provide exactly 1 config file")
		}

		overrides := &config.File{
			BuildTag: c.String("build-tag"),
		}
		if c.IsSet("rebuild") {
			rebuild := c.Bool("rebuild")
			overrides.Rebuild = &rebuild
		}
		cfg, err := loadConfig(c, c.Args().Get(0), overrides)
		if err != nil {
			return err
		}
		return builder.New().BuildTree(c.Context, cfg)
	},
}

func loadConfig(c *cli.Context, path string, overrides *config.File) (*config.Config, error) {
	defaults, err := config.LoadDefaults(c.Context)
	if err != nil {
		return nil, err
	}
	return config.Load(c.Context, path, defaults, overrides)
}
