package main

import "github.com/libresign/certledger/cmd/certledger/cmd"

func main() {
	cmd.Execute()
}
