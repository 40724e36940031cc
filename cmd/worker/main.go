// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/certmail-app/certmail/internal/config"
	"github.com/certmail-app/certmail/internal/worker"
)

func main() {
	cmd := &cli.Command{
		Name:   "certmail-worker",
		Usage:  "Start the email delivery worker",
		Flags:  config.WorkerFlags(),
		Action: worker.Run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
