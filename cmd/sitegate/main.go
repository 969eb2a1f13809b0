package main

import "github.com/brickworks/sitegate/cmd/sitegate/cli"

func main() {
	cli.Execute()
}
