// gentoken mints a custom token for a UID with the admin SDK and exchanges
// it for an ID token, for driving the client headlessly:
//
//	go run ./cmd/gentoken -uid u1 -apikey $PEMA_API_KEY
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/pemachat/pema/auth"
)

func main() {
	uid := flag.String("uid", "", "user UID to mint a token for")
	apiKey := flag.String("apikey", "", "identity provider API key")
	keyFile := flag.String("key", "service_account_key.json", "service account key file")
	flag.Parse()

	if *uid == "" {
		log.Fatal("please provide a user UID using the -uid flag")
	}
	if *apiKey == "" {
		log.Fatal("please provide an API key using the -apikey flag")
	}

	ctx := context.Background()
	absPath, err := filepath.Abs(*keyFile)
	if err != nil {
		log.Fatalf("failed to resolve key file: %v", err)
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(absPath))
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		log.Fatalf("error getting Auth client: %v", err)
	}

	customToken, err := client.CustomToken(ctx, *uid)
	if err != nil {
		log.Fatalf("error creating custom token: %v", err)
	}

	creds, err := auth.NewClient(*apiKey).SignInWithCustomToken(ctx, customToken)
	if err != nil {
		log.Fatalf("error exchanging custom token: %v", err)
	}
	fmt.Println(creds.IDToken)
}
