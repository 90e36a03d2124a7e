// Command pkgdocs builds and serves generated package documentation.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pkgdocs/builder/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
