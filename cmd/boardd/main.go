// boardd 看板服务进程
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"taskboard/app/boardd"
	"taskboard/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("TASKBOARD_CONFIG"), "path to YAML config file")
	flag.Parse()

	engine := server.NewEngine(boardd.New(*configPath), server.WithVersion(version))
	if err := engine.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "boardd: %v\n", err)
		os.Exit(1)
	}
}
