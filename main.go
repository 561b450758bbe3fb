//go:build !test

package main

import (
	"log"

	"github.com/gokvm-edu/hypervisor/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
