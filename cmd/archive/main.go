// archive copies chat rooms out of the realtime database into Firestore
// for long-term retention. It runs with admin credentials, typically as a
// scheduled job inside the project.
package main

import (
	"context"
	"flag"
	stdlog "log"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/pemachat/pema/logger"
)

type archivedFile struct {
	URL  string `json:"url" firestore:"url"`
	Name string `json:"name" firestore:"name"`
	Type string `json:"type" firestore:"type"`
	Size int64  `json:"size" firestore:"size"`
}

type archivedMessage struct {
	Sender     string        `json:"sender" firestore:"sender"`
	SenderName string        `json:"senderName" firestore:"sender_name"`
	Timestamp  int64         `json:"timestamp" firestore:"timestamp"`
	Text       string        `json:"text" firestore:"text,omitempty"`
	File       *archivedFile `json:"file" firestore:"file,omitempty"`
}

type archivedRoom struct {
	Members  map[string]bool            `json:"members" firestore:"members"`
	Messages map[string]archivedMessage `json:"messages" firestore:"messages"`
}

func main() {
	databaseURL := flag.String("database", "", "realtime database root URL")
	projectID := flag.String("project", "", "project id (metadata server default)")
	collection := flag.String("collection", "chat_archive", "destination Firestore collection")
	keyFile := flag.String("key", "", "service account key file (application default credentials when empty)")
	flag.Parse()

	if *databaseURL == "" {
		stdlog.Fatal("please provide the database root URL using the -database flag")
	}

	ctx := context.Background()
	if *projectID == "" {
		detected, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			stdlog.Fatalf("failed to detect project id: %v", err)
		}
		*projectID = detected
	}

	log, closeLog, err := logger.New(ctx, *projectID, "chat-archive")
	if err != nil {
		stdlog.Fatalf("failed to create cloud logger: %v", err)
	}
	defer closeLog()

	var opts []option.ClientOption
	if *keyFile != "" {
		opts = append(opts, option.WithCredentialsFile(*keyFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: *projectID}, opts...)
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}
	db, err := app.DatabaseWithURL(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("error getting database client: %v", err)
	}

	var rooms map[string]archivedRoom
	if err := db.NewRef("chats").Get(ctx, &rooms); err != nil {
		log.Fatalf("error reading chats: %v", err)
	}
	log.Printf("read %d rooms", len(rooms))

	fs, err := firestore.NewClient(ctx, *projectID, opts...)
	if err != nil {
		log.Fatalf("error creating firestore client: %v", err)
	}
	defer fs.Close()

	archived := 0
	for roomID, room := range rooms {
		if _, err := fs.Collection(*collection).Doc(roomID).Set(ctx, room); err != nil {
			log.Printf("error archiving room %s: %v", roomID, err)
			continue
		}
		archived++
	}
	log.Printf("archived %d/%d rooms to %s", archived, len(rooms), *collection)
}
