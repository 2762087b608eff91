package main

import "nnas/internal/cmd"

func main() {
	cmd.Execute()
}
