package main

import "groundwave/cmd"

func main() {
	cmd.Execute()
}
