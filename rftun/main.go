/*
rftun tunnels IPv4 over a small-frame, half-duplex radio link
*/
package main

import "github.com/easymesh/rftun/rftun/commands"

func main() {
	commands.Execute()
}
