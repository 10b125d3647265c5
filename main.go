package main

import "github.com/nextlevelbuilder/agentping/cmd"

func main() {
	cmd.Execute()
}
