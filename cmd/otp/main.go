package main

import "github.com/OpenTraceLab/OpenTraceProbe/cmd/otp/cmd"

func main() {
	cmd.Execute()
}
