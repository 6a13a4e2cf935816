package main

import "github.com/Clark-Hu/store-rater/cmd/storeratectl/commands"

func main() {
	commands.Execute()
}
