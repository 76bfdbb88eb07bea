// Command pema is a terminal client for the messaging service. It signs in
// with email/password, shows who is online and which chats exist, and
// drives one chat at a time.
//
// Configuration comes from the environment (a .env file is honored):
// PEMA_API_KEY, PEMA_DATABASE_URL, PEMA_STORAGE_BUCKET.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/pemachat/pema"
	"github.com/pemachat/pema/contract"
	"github.com/pemachat/pema/search"
)

func main() {
	_ = godotenv.Load()

	email := flag.String("email", os.Getenv("PEMA_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("PEMA_PASSWORD"), "account password")
	signup := flag.Bool("signup", false, "create the account instead of signing in")
	flag.Parse()

	if *email == "" || *password == "" {
		log.Fatal("email and password are required (flags or PEMA_EMAIL/PEMA_PASSWORD)")
	}

	m, err := pema.New(pema.Config{
		APIKey:        os.Getenv("PEMA_API_KEY"),
		DatabaseURL:   os.Getenv("PEMA_DATABASE_URL"),
		StorageBucket: os.Getenv("PEMA_STORAGE_BUCKET"),
	})
	if err != nil {
		log.Fatalf("client setup failed: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	var user *contract.User
	if *signup {
		user, err = m.SignUp(ctx, *email, *password)
	} else {
		user, err = m.SignIn(ctx, *email, *password)
	}
	if err != nil {
		log.Fatalf("sign-in failed: %v", err)
	}

	stdin := bufio.NewScanner(os.Stdin)
	for user.PetName == "" {
		fmt.Print("choose a pet name: ")
		if !stdin.Scan() {
			return
		}
		if err := m.SetPetName(ctx, stdin.Text()); err != nil {
			fmt.Printf("could not set pet name: %v\n", err)
			continue
		}
		user = m.Current()
	}
	fmt.Printf("signed in as %s\n", user.Label())

	app := &app{messenger: m}
	listing, err := m.Search(app.setOnline)
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	defer listing.Stop()

	fmt.Println("commands: /users [term], /chats, /chat <n>, /attach <file> [caption], /delete <n>, /logout")
	for stdin.Scan() {
		if app.handle(ctx, listing.SetTerm, strings.TrimSpace(stdin.Text())) {
			return
		}
	}
}

type app struct {
	messenger *pema.Messenger

	mu     sync.Mutex
	online []contract.User
	// candidates is whatever list was printed last (/users or /chats);
	// /chat <n> indexes into it.
	candidates []contract.User
	chat       *pema.Chat
	seen       int
	view       []contract.Message
}

func (a *app) setOnline(users []contract.User) {
	a.mu.Lock()
	a.online = users
	a.mu.Unlock()
}

// showMessages prints only messages added since the previous update.
func (a *app) showMessages(msgs []contract.Message) {
	a.mu.Lock()
	start := a.seen
	a.seen = len(msgs)
	a.view = msgs
	a.mu.Unlock()
	for _, msg := range msgs[min(start, len(msgs)):] {
		ts := time.UnixMilli(msg.Timestamp).Format("15:04")
		if msg.File != nil {
			fmt.Printf("[%s] %s: %s (file: %s)\n", ts, msg.SenderName, msg.Text, msg.File.URL)
			continue
		}
		fmt.Printf("[%s] %s: %s\n", ts, msg.SenderName, msg.Text)
	}
}

// handle runs one command line; true means quit.
func (a *app) handle(ctx context.Context, setTerm func(string), line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit", "/logout":
		if a.chat != nil {
			a.chat.Close()
		}
		if err := a.messenger.SignOut(ctx); err != nil {
			fmt.Printf("sign-out: %v\n", err)
		}
		return true
	case "/users":
		setTerm(rest)
		time.Sleep(2 * search.DefaultDebounce)
		a.mu.Lock()
		online := a.online
		a.candidates = online
		a.mu.Unlock()
		if len(online) == 0 {
			fmt.Println("nobody online")
			break
		}
		for i, u := range online {
			fmt.Printf("%d: %s\n", i+1, u.Label())
		}
	case "/chats":
		rooms, err := a.messenger.Rooms(ctx)
		if err != nil {
			fmt.Printf("chats: %v\n", err)
			break
		}
		if len(rooms) == 0 {
			fmt.Println("no chats yet (/users to find someone)")
			break
		}
		partners := make([]contract.User, len(rooms))
		for i, room := range rooms {
			partners[i] = room.Other
			state := "offline"
			if room.Other.Online {
				state = "online"
			}
			fmt.Printf("%d: %s (%s)\n", i+1, room.Other.Label(), state)
		}
		a.mu.Lock()
		a.candidates = partners
		a.mu.Unlock()
	case "/chat":
		a.mu.Lock()
		candidates := a.candidates
		a.mu.Unlock()
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 || n > len(candidates) {
			fmt.Println("usage: /chat <n> (see /users or /chats)")
			break
		}
		if a.chat != nil {
			a.chat.Close()
		}
		a.mu.Lock()
		a.seen = 0
		a.mu.Unlock()
		other := candidates[n-1]
		chat, err := a.messenger.OpenChat(ctx, &other, a.showMessages)
		if err != nil {
			fmt.Printf("open chat: %v\n", err)
			break
		}
		a.chat = chat
		fmt.Printf("chatting with %s\n", other.Label())
	case "/attach":
		if a.chat == nil {
			fmt.Println("open a chat first")
			break
		}
		file, caption, _ := strings.Cut(rest, " ")
		f, err := os.Open(file)
		if err != nil {
			fmt.Printf("attach: %v\n", err)
			break
		}
		att := &pema.Attachment{
			Name: filepath.Base(file),
			MIME: mime.TypeByExtension(filepath.Ext(file)),
			Data: f,
		}
		err = a.chat.Send(ctx, caption, att)
		f.Close()
		if err != nil {
			fmt.Printf("send: %v\n", err)
		}
	case "/delete":
		a.mu.Lock()
		view := a.view
		a.mu.Unlock()
		n, err := strconv.Atoi(rest)
		if a.chat == nil || err != nil || n < 1 || n > len(view) {
			fmt.Println("usage: /delete <n> with an open chat")
			break
		}
		if err := a.chat.Delete(ctx, view[n-1].ID); err != nil {
			fmt.Printf("delete: %v\n", err)
		}
	default:
		if a.chat == nil {
			fmt.Println("open a chat first (/users then /chat <n>)")
			break
		}
		if err := a.chat.Send(ctx, line, nil); err != nil {
			fmt.Printf("send: %v\n", err)
		}
	}
	return false
}
