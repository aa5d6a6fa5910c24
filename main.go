package main

import "baotun/cmd"

func main() {
	cmd.Execute()
}
