// iteroctl is the CLI client for the itero mesh daemon's admin API.
package main

import "github.com/LightningTH/itero/cmd/iteroctl/commands"

func main() {
	commands.Execute()
}
