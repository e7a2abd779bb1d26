package main

import "github.com/pliu/cipherchat/cmd"

func main() {
	cmd.Execute()
}
