package main

import (
	"os"

	"github.com/bobuhiro11/vmcore/flag"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("vmcore")
	}
}
