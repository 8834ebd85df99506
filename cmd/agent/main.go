// Command agent hosts one CRDT replica (C2-C5) and drives it from a
// stdin command protocol (§12), wiring together the replica, its
// durable outbound queue, and its reconnecting relay session the same
// way the teacher's agent/main.go wires a Hub around an in-memory
// document.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/collabtext/replica/internal/crdt"
	"github.com/collabtext/replica/internal/queue"
	"github.com/collabtext/replica/internal/transport"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openStore(logger *log.Logger) (queue.Store, func(), error) {
	switch strings.ToLower(envOr("STORE_BACKEND", "bolt")) {
	case "postgres":
		dsn := os.Getenv("POSTGRES_DSN")
		if dsn == "" {
			return nil, nil, fmt.Errorf("POSTGRES_DSN required for STORE_BACKEND=postgres")
		}
		store, err := queue.OpenPostgresStore(context.Background(), dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "memory":
		logger.Printf("warning: STORE_BACKEND=memory does not survive a restart")
		return queue.NewMemoryStore(), func() {}, nil
	default:
		path := envOr("BOLT_PATH", "collabtext.db")
		store, err := queue.OpenBoltStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func main() {
	logger := log.New(os.Stderr, "[agent] ", log.LstdFlags)

	docID := envOr("DOC_ID", "default")
	siteID := envOr("SITE_ID", uuid.NewString())
	relayURL := envOr("RELAY_URL", "ws://localhost:3001/ws/"+docID)

	store, closeStore, err := openStore(logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replica := crdt.New(siteID)
	stateKey := "state-" + docID
	if data, ok, err := store.Get(ctx, stateKey); err != nil {
		logger.Printf("load snapshot: %v", err)
	} else if ok {
		if err := loadSnapshot(replica, data); err != nil {
			logger.Printf("discarding unreadable snapshot: %v", err)
		}
	}

	q, err := queue.Open(ctx, store, docID, logger)
	if err != nil {
		logger.Fatalf("open queue: %v", err)
	}

	onRemoteOp := func(op crdt.Operation) {
		if err := replica.ApplyRemote(op); err != nil {
			logger.Printf("apply remote op: %v", err)
		}
	}

	session := transport.NewSession(transport.NewWebSocketDialer(), relayURL, siteID, q, onRemoteOp, logger)
	session.Open(ctx)
	defer session.Close()

	go persistPeriodically(ctx, replica, store, stateKey, logger)

	fmt.Printf("replica %s ready for document %q (relay %s)\n", siteID, docID, relayURL)
	fmt.Println("commands: ins <index> <text> | del <index> | text | status | reconnect | quit")

	runCommandLoop(ctx, replica, session, q)

	if err := persistSnapshot(ctx, replica, store, stateKey); err != nil {
		logger.Printf("final snapshot persist: %v", err)
	}
}

func loadSnapshot(replica *crdt.Replica, data []byte) error {
	var snap crdt.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	return replica.Restore(snap)
}

func persistSnapshot(ctx context.Context, replica *crdt.Replica, store queue.Store, key string) error {
	data, err := json.Marshal(replica.Snapshot())
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}

func persistPeriodically(ctx context.Context, replica *crdt.Replica, store queue.Store, key string, logger *log.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := persistSnapshot(ctx, replica, store, key); err != nil {
				logger.Printf("periodic snapshot persist: %v", err)
			}
		}
	}
}

func runCommandLoop(ctx context.Context, replica *crdt.Replica, session *transport.Session, q *queue.Queue) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "ins":
			handleInsert(ctx, replica, session, fields)
		case "del":
			handleDelete(ctx, replica, session, fields)
		case "text":
			fmt.Println(replica.Text())
		case "status":
			printStatus(session, q)
		case "reconnect":
			session.ManualReconnect(ctx)
			fmt.Println("reconnecting")
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func handleInsert(ctx context.Context, replica *crdt.Replica, session *transport.Session, fields []string) {
	if len(fields) < 3 {
		fmt.Println("usage: ins <index> <text>")
		return
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Printf("bad index: %v\n", err)
		return
	}
	for _, r := range fields[2] {
		op, err := replica.LocalInsert(index, string(r))
		if err != nil {
			fmt.Printf("insert failed: %v\n", err)
			return
		}
		if err := session.Send(ctx, op); err != nil {
			fmt.Printf("queued locally, send deferred: %v\n", err)
		}
		index++
	}
}

func handleDelete(ctx context.Context, replica *crdt.Replica, session *transport.Session, fields []string) {
	if len(fields) < 2 {
		fmt.Println("usage: del <index>")
		return
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Printf("bad index: %v\n", err)
		return
	}
	op, ok := replica.LocalDelete(index)
	if !ok {
		fmt.Println("index out of range")
		return
	}
	if err := session.Send(ctx, op); err != nil {
		fmt.Printf("queued locally, send deferred: %v\n", err)
	}
}

func printStatus(session *transport.Session, q *queue.Queue) {
	st := session.Status()
	fmt.Printf("state=%s pending=%d syncing=%t healthy=%t", st.State, st.PendingOps, st.Syncing, q.Healthy())
	if st.LastError != nil {
		fmt.Printf(" lastError=%v", st.LastError)
	}
	fmt.Println()
}
