// Command huddle-peer is a headless room participant. It joins a room on the
// relay, publishes synthetic media and meshes with every other participant.
package main

func main() {
	Execute()
}
