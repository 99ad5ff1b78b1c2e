package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/technosupport/licensegate/internal/tokens"
)

// Mints a bearer token for local testing against the API.
func main() {
	user := flag.String("user", "dev-user", "subject (buyer id)")
	issuer := flag.String("issuer", "licensegate", "token issuer")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	service := flag.Bool("service", false, "mint a service token instead of an access token")
	flag.Parse()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "JWT_SIGNING_KEY is required")
		os.Exit(1)
	}
	mgr := tokens.NewManager(key, *issuer, *ttl)

	var (
		token string
		err   error
	)
	if *service {
		token, err = mgr.GenerateServiceToken(*user, *ttl)
	} else {
		token, err = mgr.GenerateAccessToken(*user)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
