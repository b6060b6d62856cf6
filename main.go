package main

import "github.com/deosun-bot/deosun/cmd"

func main() {
	cmd.Execute()
}
