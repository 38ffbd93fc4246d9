package main

import "github.com/TheusHen/duplex/cmd/duplexcat/cmd"

func main() {
	cmd.Execute()
}
