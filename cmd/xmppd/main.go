// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command runs the XMPP server with a YAML configuration file and
// an in-memory credential store seeded from the config.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"mellium.im/xmppd"
	"mellium.im/xmppd/storage"
)

type fileConfig struct {
	xmppd.Config `yaml:",inline"`

	// Users seeds the in-memory credential store. A production
	// deployment replaces this with a real storage.UserStore.
	Users map[string]string `yaml:"users"`

	LogLevel string `yaml:"log_level"`
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := fileConfig{Config: *xmppd.DefaultConfig()}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			logger.WithError(err).Fatal("reading configuration")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			logger.WithError(err).Fatal("parsing configuration")
		}
	}
	if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.WithError(err).Fatal("parsing log level")
		}
		logger.SetLevel(level)
	}
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	store := storage.NewMemStore()
	for user, password := range cfg.Users {
		store.SetPassword(user, password)
	}

	srv, err := xmppd.NewServer(&cfg.Config, storage.NewResilient(store, time.Minute), logger)
	if err != nil {
		logger.WithError(err).Fatal("assembling server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.WithError(err).Fatal("serving")
	}
}
