package main

import "faceage/cmd"

func main() {
	cmd.Execute()
}
