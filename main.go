/*
	Copyright 2023 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/livetiming-go/cmd"

func main() {
	cmd.Execute()
}
