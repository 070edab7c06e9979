// labtarget is a deliberately vulnerable practice server: it executes
// whatever lands on /cmd or /shell. It exists for exercising sledge in a
// lab; never expose it anywhere real.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/sledgeshell/sledge/labtarget"
)

func main() {
	app := &cli.App{
		Name:  "labtarget",
		Usage: "an intentionally vulnerable practice target for sledge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:8080",
			},
			&cli.StringFlag{
				Name:  "param",
				Usage: "Query parameter carrying the command on /cmd.",
				Value: "c",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Require this value in the ps query parameter.",
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			server, err := labtarget.New(
				labtarget.WithListenAddr(c.String("listen-addr")),
				labtarget.WithParam(c.String("param")),
				labtarget.WithPassword(c.String("password")),
				labtarget.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			go func() {
				<-interrupts
				server.Stop()
			}()

			if err := server.Run(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
