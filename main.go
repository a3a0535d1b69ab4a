package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
