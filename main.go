package main

import "github.com/devicefleet/conductor/cmd/root"

func main() {
	root.Execute()
}
