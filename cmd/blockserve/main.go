package main

import "github.com/agenthands/blockserve/cmd/blockserve/cmd"

func main() {
	cmd.Execute()
}
