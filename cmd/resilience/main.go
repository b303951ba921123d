package main

import "github.com/gemdesk/resilience/internal/cli"

func main() {
	cli.Execute()
}
