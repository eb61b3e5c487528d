package command

import (
	"context"

	"github.com/containerd/containerd/log"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

func NewApp(ctx context.Context) *cli.App {
	return &cli.App{
		Name:  "gentree",
		Usage: "build layered gentoo roots as container image layers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "logging level (trace, debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logger := logrus.New()
			logger.SetLevel(level)
			c.Context = log.WithLogger(ctx, logrus.NewEntry(logger))
			return nil
		},
		Commands: []*cli.Command{
			buildCommand,
			serveCommand,
			importSeedCommand,
			updateSeedCommand,
		},
	}
}
