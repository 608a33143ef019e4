package main

import "nodewarden/cmd"

func main() {
	cmd.Execute()
}
