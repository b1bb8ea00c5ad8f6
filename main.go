package main

import "github.com/canflux/canflux/cmd/canflux"

func main() {
	canflux.Main()
}
