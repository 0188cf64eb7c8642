package main

import "github.com/brewva/brewva/cmd"

func main() {
	cmd.Execute()
}
