// Package main provides the barlow CLI: learning-rate range tests, Barlow Twins
// pretraining and classifier fine-tuning on Born.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "version":
		fmt.Printf("barlow %s\n", version)
		return
	case "lrfind":
		err = runLRFind(ctx, args)
	case "pretrain":
		err = runPretrain(ctx, args)
	case "finetune":
		err = runFinetune(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("barlow - Barlow Twins pretraining on Born")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  lrfind     Sweep the learning rate linearly and save the loss history")
	fmt.Println("  pretrain   Pretrain an encoder with the Barlow Twins objective")
	fmt.Println("  finetune   Train a classifier on top of an encoder")
	fmt.Println("  version    Show version")
	fmt.Println("")
	fmt.Println("Run 'barlow <command> -h' for command flags.")
}
