package main

import "github.com/testisf/Discord-bot-verify/cmd"

func main() {
	cmd.Execute()
}
