package main

import (
	"log"

	"github.com/sugarme/pspseg/cmd/cli"
)

func main() {
	if err := cli.NewCLI().Execute(); err != nil {
		log.Fatal(err)
	}
}
