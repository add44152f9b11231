package main

import "github.com/upb/assistant-auth-gateway/cmd/identityctl/cmd"

func main() {
	cmd.Execute()
}
