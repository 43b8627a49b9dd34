package main

import "github.com/jmehdipour/campaign-mailer/cmd"

func main() {
	cmd.Execute()
}
