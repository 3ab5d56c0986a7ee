package main

import (
	cmd "github.com/nanofarm/jobwatch/cmd/jobwatch"
)

func main() {
	cmd.Execute()
}
