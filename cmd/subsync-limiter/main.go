package main

import "github.com/subsync/subsync-limiter/cmd/subsync-limiter/cmd"

func main() {
	cmd.Execute()
}
