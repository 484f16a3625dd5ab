package main

import (
	"github.com/labstack/gommon/log"
)

func main() {
	server, cleanup, err := Setup()
	if err != nil {
		log.Fatalf("main start failed %v", err)
		return
	}
	defer cleanup()

	server.Run()
}
