package main

import (
	"context"
	"os"

	"github.com/mazdakn/transmitm/pkg/config"
	"github.com/mazdakn/transmitm/pkg/dispatcher"
	"github.com/sirupsen/logrus"
)

const (
	version = "v0.1.0"
)

func main() {
	logrus.Infof("Running transmitm %v", version)
	conf, err := config.FromCmdline()
	if err != nil {
		logrus.WithError(err).Errorf("Failed to parse config file")
		os.Exit(1)
	}
	level, _ := logrus.ParseLevel(conf.LogLevel)
	logrus.SetLevel(level)

	proxies, err := buildProxies(conf)
	if err != nil {
		logrus.WithError(err).Error("Failed to build proxies")
		os.Exit(1)
	}

	disp := dispatcher.New()
	ctx, cancel := dispatcher.SignalContext(context.Background())
	defer cancel()

	if err := disp.AddProxies(proxies...); err != nil {
		logrus.WithError(err).Error("Failed to start proxies")
		disp.Close()
		os.Exit(1)
	}
	if err := disp.Run(ctx); err != nil {
		logrus.WithError(err).Error("Failure in running dispatcher")
		os.Exit(1)
	}
}
