package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gossipdb/gossipdb/internal/config"
	"github.com/gossipdb/gossipdb/pkg/gossipdb"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage:")
		fmt.Println("	gossipdb-cli <collection> put <key> <value>")
		fmt.Println("	gossipdb-cli <collection> get <key>")
		fmt.Println("	gossipdb-cli <collection> delete <key>")
		os.Exit(1)
	}

	collection := os.Args[1]
	cmd := os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := gossipdb.Open(cfg, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch cmd {
	case "put":
		if len(os.Args) < 5 {
			fmt.Println("Usage: gossipdb-cli <collection> put <key> <value>")
			os.Exit(1)
		}
		key := os.Args[3]
		value := os.Args[4]

		doc, err := engine.Put(ctx, collection, key, []byte(value))
		if err != nil {
			fmt.Fprintf(os.Stderr, "PUT failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("put successful\n")
		fmt.Printf("timestamp: %s\n", doc.UpdatedAt)

	case "get":
		if len(os.Args) < 4 {
			fmt.Println("Usage: gossipdb-cli <collection> get <key>")
			os.Exit(1)
		}
		key := os.Args[3]

		doc, ok, err := engine.Get(ctx, collection, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "GET failed: %v\n", err)
			os.Exit(1)
		}
		if !ok || doc.Deleted {
			fmt.Printf("key not found\n")
			os.Exit(1)
		}
		fmt.Printf("value: %s\n", string(doc.Body))
		fmt.Printf("timestamp: %s\n", doc.UpdatedAt)

	case "delete":
		if len(os.Args) < 4 {
			fmt.Println("Usage: gossipdb-cli <collection> delete <key>")
			os.Exit(1)
		}
		key := os.Args[3]

		if _, err := engine.Delete(ctx, collection, key); err != nil {
			fmt.Fprintf(os.Stderr, "DELETE failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("delete successful\n")

	default:
		fmt.Printf("unknown command: %s\n", cmd)
		fmt.Println("valid commands: put, get, delete")
		os.Exit(1)
	}
}
