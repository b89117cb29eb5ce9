package main

import (
	"github.com/galdor/go-program"
)

func main() {
	p := program.NewProgram("griddemo",
		"demonstrations of replicated storages and pub-sub on a local grid")

	p.AddOption("", "request-timeout", "duration", "10s",
		"the maximum time to wait for an operation")

	p.AddCommand("storage", "run the replicated storage demo", cmdStorage)
	p.AddCommand("pubsub", "run the pub-sub demo", cmdPubSub)

	p.ParseCommandLine()
	p.Run()
}
