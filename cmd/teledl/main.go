package main

import "teledl/internal/cli"

func main() {
	cli.Execute()
}
