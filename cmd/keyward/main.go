package main

import "github.com/jmcleod/keyward/cmd/keyward/cmd"

func main() {
	cmd.Execute()
}
