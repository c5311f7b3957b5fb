package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/surrealdb/surrealshop/pkg/surrealshop"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := surrealshop.Main(ctx, os.Args[1:]); err != nil {
		stop()
		log.Fatal(err)
	}
}
