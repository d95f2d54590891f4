package main

import "github.com/wheelforge/wheelforge/cmd"

func main() {
	cmd.Execute()
}
