package main

import "go.pilab.hu/oauthlink/cmd/linkctl/cmd"

func main() {
	cmd.Execute()
}
