// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Command collectord loads a field-bus configuration file, builds the
// runtime described in §9, and runs it until an interrupt or terminate
// signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nbcb/collect/internal/config"
	"github.com/nbcb/collect/internal/runtime"
)

func main() {
	log := newLogger()

	if len(os.Args) < 2 {
		log.Fatal("usage: collectord <config.yaml>")
	}
	cfgPath := os.Args[1]

	provider, err := config.NewFileProvider(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	rt, err := runtime.Build(provider.GetSnapshot(), log.WithField("component", "runtime"))
	if err != nil {
		log.WithError(err).Fatal("runtime build failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("config", cfgPath).Info("collectord starting")
	if err := rt.Run(ctx); err != nil {
		log.WithError(err).Fatal("runtime exited with error")
	}
	log.Info("collectord stopped")
}

// newLogger matches the teacher's SPEC_FULL ambient-stack choice: text
// output for an interactive TTY, JSON otherwise, configured once here and
// never touched again by anything below internal/.
func newLogger() *logrus.Entry {
	l := logrus.New()
	if isTerminal(os.Stderr) {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
