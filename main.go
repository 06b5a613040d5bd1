package main

import "github.com/nextlevelbuilder/clawrun/cmd"

func main() {
	cmd.Execute()
}
