package main

import "settlement-core/internal/cli"

func main() {
	cli.Execute()
}
