package main

import "github.com/ValentinKolb/dRCU/cmd"

func main() {
	cmd.Execute()
}
