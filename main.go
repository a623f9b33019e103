package main

import "github.com/byronwade/wormhole/cmd"

func main() {
	cmd.Execute()
}
