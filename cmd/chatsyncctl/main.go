package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatsync/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	sessionName, err := session.Resolve(*sessionFlag, configPath)
	if err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	db, err := openStore(sessionName)
	if err != nil {
		fatalf("cannot open store for session %q: %v", sessionName, err)
	}
	defer func() { _ = db.Close() }()

	switch args[0] {
	case "status":
		cmdStatus(db, sessionName, *jsonFlag)
	case "outbox":
		cmdOutbox(db, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fatalf("usage: chatsyncctl messages <chat-id> [limit]")
		}
		cmdMessages(db, args[1], parseLimit(args[2:]), *jsonFlag)
	case "search":
		if len(args) < 2 {
			fatalf("usage: chatsyncctl search <query> [limit]")
		}
		cmdSearch(db, args[1], parseLimit(args[2:]), *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [-session <name>] [-json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon and store status")
	fmt.Fprintln(os.Stderr, "  outbox                    List unacknowledged sends")
	fmt.Fprintln(os.Stderr, "  messages <chat> [limit]   Show the latest messages of a chat")
	fmt.Fprintln(os.Stderr, "  search <query> [limit]    Search message text")
	fmt.Fprintln(os.Stderr, "  sessions                  List known sessions")
}

// openStore opens the session database next to a running daemon. WAL mode
// lets both read concurrently.
func openStore(name string) (*store.DB, error) {
	path := session.DBPath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func cmdStatus(db *store.DB, name string, jsonOut bool) {
	pid, err := lock.Holder(session.Dir(name))
	if err != nil {
		fatalf("%v", err)
	}
	msgs, err := db.MessageCount()
	if err != nil {
		fatalf("%v", err)
	}
	queued, err := db.OutboxCount()
	if err != nil {
		fatalf("%v", err)
	}
	chats, err := db.ListOpenChats()
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOut {
		outputJSON(map[string]any{
			"session": name, "daemon_pid": pid, "messages": msgs, "outbox": queued, "open_chats": chats,
		})
		return
	}
	daemon := "not running"
	if pid != 0 {
		daemon = fmt.Sprintf("running (pid %d)", pid)
	}
	fmt.Printf("Session:    %s\n", name)
	fmt.Printf("Daemon:     %s\n", daemon)
	fmt.Printf("Messages:   %d\n", msgs)
	fmt.Printf("Outbox:     %d\n", queued)
	fmt.Printf("Open chats: %d\n", len(chats))
}

func cmdOutbox(db *store.DB, jsonOut bool) {
	chats, err := db.ListOutboxChats()
	if err != nil {
		fatalf("%v", err)
	}
	var entries []store.OutboxEntry
	for _, chatID := range chats {
		pending, err := db.ListPending(chatID)
		if err != nil {
			fatalf("%v", err)
		}
		entries = append(entries, pending...)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Outbox is empty.")
		return
	}
	for _, e := range entries {
		state := "pending"
		if e.LastError != "" {
			state = "failed: " + e.LastError
		}
		fmt.Printf("%s  chat=%s  attempts=%d  queued=%s  %s\n",
			e.ClientID, e.ChatID, e.AttemptCount, formatMillis(e.CreatedAt), state)
	}
}

func cmdMessages(db *store.DB, chatID string, limit int, jsonOut bool) {
	msgs, err := db.ListMessages(chatID, limit)
	if err != nil {
		fatalf("%v", err)
	}
	printMessages(msgs, jsonOut)
}

func cmdSearch(db *store.DB, query string, limit int, jsonOut bool) {
	msgs, err := db.SearchMessages(query, "", limit)
	if err != nil {
		fatalf("%v", err)
	}
	printMessages(msgs, jsonOut)
}

func printMessages(msgs []store.Message, jsonOut bool) {
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		body := m.Body
		switch {
		case m.DeletedForAll:
			body = "(deleted)"
		case body == "" && m.Caption != "":
			body = m.Caption
		case body == "":
			body = "[" + string(m.Kind) + "]"
		}
		edited := ""
		if m.IsEdited {
			edited = " (edited)"
		}
		fmt.Printf("%s  %-9s %s: %s%s\n", formatMillis(m.CreatedAt), m.Status, sender(m), body, edited)
	}
}

func cmdSessions(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "sessions"))
	if err != nil && !os.IsNotExist(err) {
		fatalf("%v", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && session.ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	if jsonOut {
		outputJSON(names)
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func sender(m store.Message) string {
	if m.SenderDisplayName != "" {
		return m.SenderDisplayName
	}
	return m.SenderID
}

func parseLimit(args []string) int {
	if len(args) == 0 {
		return 0
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		fatalf("invalid limit %q", args[0])
	}
	return n
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
