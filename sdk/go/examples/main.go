package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"TaskPilot/sdk/go/taskpilot"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "TaskPilot API address")
	sync := flag.Bool("sync", false, "use the synchronous ask endpoint")
	flag.Parse()

	query := "summarize the open incidents for the payments team"
	if flag.NArg() > 0 {
		query = flag.Arg(0)
	}

	client, err := taskpilot.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *sync {
		answer, err := client.Ask(ctx, taskpilot.Request{Query: query})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("[%s] %s\n", answer.Mode, answer.Answer)
		return
	}

	submitted, err := client.SubmitTask(ctx, taskpilot.Request{Query: query})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted task %s\n", submitted.ID)

	done, err := client.WaitForTask(ctx, submitted.ID, time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if done.Result == nil {
		fmt.Printf("task %s failed: %s (%s)\n", done.ID, done.LastError, done.ErrorCode)
		return
	}
	fmt.Printf("task %s: %s\n", done.ID, done.Result.Answer)

	events, err := client.Events(ctx, done.ID)
	if err == nil {
		for _, event := range events {
			fmt.Printf("  [%d] %s %s\n", event.Seq, event.Type, event.Message)
		}
	}
}
