package main

import "github.com/ValentinKolb/swarmKV/cmd"

func main() {
	cmd.Execute()
}
