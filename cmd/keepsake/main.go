package main

import "github.com/jmcleod/keepsake/cmd/keepsake/cmd"

func main() {
	cmd.Execute()
}
