package main

import "github.com/jmehdipour/treesync/cmd"

func main() {
	cmd.Execute()
}
