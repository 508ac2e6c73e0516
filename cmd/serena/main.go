package main

import "github.com/serena/serena-cli/internal/cli"

func main() {
	cli.Execute()
}
