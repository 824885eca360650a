package main

import "github.com/nextlevelbuilder/loom/cmd"

func main() {
	cmd.Execute()
}
