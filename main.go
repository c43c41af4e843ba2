package main

import "github.com/krau/multitagger/cmd"

func main() {
	cmd.Execute()
}
