package main

import "github.com/jmcleod/timehand/cmd/timehand/cmd"

func main() {
	cmd.Execute()
}
