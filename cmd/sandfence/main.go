package main

import "github.com/lonelysadness/sandfence/internal/cli"

func main() {
	cli.Execute()
}
