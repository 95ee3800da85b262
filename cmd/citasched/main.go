package main

import "github.com/example/cita-scheduler/cmd"

func main() {
	cmd.Execute()
}
