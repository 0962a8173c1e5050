package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// serveCLICommand boots the kernel and blocks, exposing the prometheus
// registry over HTTP until a termination signal arrives. Grounded on
// the teacher's setupSignalHandler/signals.go pattern of a background
// goroutine watching os/signal.Notify while the main goroutine blocks.
var serveCLICommand = cli.Command{
	Name:  "serve",
	Usage: "boot the scheduler and serve its metrics endpoint",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "metrics-addr",
			Value: ":9469",
			Usage: "address to serve /metrics on",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		k, err := boot(ctx, c.GlobalString("config"))
		if err != nil {
			return err
		}
		defer k.bus.Close()

		sched, err := newScheduler(k)
		if err != nil {
			return err
		}
		go sched.run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(k.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: c.String("metrics-addr"), Handler: mux}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Error("metrics server exited")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logrus.Info("vmkernel shutting down")
		cancel()
		sched.shutdown()
		return srv.Shutdown(context.Background())
	},
}
