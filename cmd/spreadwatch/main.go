package main

import "p2p-spread-alerts/internal/cli"

func main() {
	cli.Execute()
}
