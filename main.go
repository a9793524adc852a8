package main

import "github.com/osaproject/osa/cmd"

func main() {
	cmd.Execute()
}
