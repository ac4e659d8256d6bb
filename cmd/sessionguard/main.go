package main

import "github.com/brokerportal/sessionguard/cmd/sessionguard/cmd"

func main() {
	cmd.Execute()
}
