/*
Copyright © 2023 Jonathan Taylor <jonrtaylor12@gmail.com>
*/

package main

import "github.com/jt05610/doser/cmd/doserd/cmd"

func main() {
	cmd.Execute()
}
