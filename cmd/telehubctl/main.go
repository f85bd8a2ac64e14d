// Telehubctl -- CLI client for the telehub daemon HTTP API.
package main

import "github.com/gundalpha/Freematics-CONF/cmd/telehubctl/commands"

func main() {
	commands.Execute()
}
