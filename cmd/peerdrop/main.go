package main

import (
	"github.com/peerdrop/peerdrop/internal/cli"
)

func main() {
	cli.Execute()
}
