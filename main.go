package main

import "github.com/duskpetrel/duskpetrel/cmd"

func main() {
	cmd.Execute()
}
