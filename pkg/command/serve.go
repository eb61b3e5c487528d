package command

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v2"

	"github.com/desultory/gentree/pkg/builder"
	"github.com/desultory/gentree/pkg/config"
	"github.com/desultory/gentree/pkg/server"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serves the binary package dir and builds requested packages on demand",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "address",
			Value: ":8689",
			Usage: "listen address",
		},
		&cli.StringFlag{
			Name:  "build-tag",
			Usage: "build tag selecting the pkgdir to serve",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("must provide exactly 1 config file")
		}

		cfg, err := loadConfig(c, c.Args().Get(0), &config.File{
			BuildTag: c.String("build-tag"),
		})
		if err != nil {
			return err
		}

		b := builder.New()
		build := func(ctx context.Context, pkg string) error {
			return b.BuildPackage(ctx, cfg, pkg)
		}
		return server.NewServer(build, cfg.PkgDirPath()).Serve(c.Context, c.String("address"))
	},
}
