package main

import "github.com/oxwell/streamchat/cmd"

func main() {
	cmd.Execute()
}
