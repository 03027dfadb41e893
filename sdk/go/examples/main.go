package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Aurora-Operator/sdk/go/aurora"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aurora.Token{AccessToken: "demo-token", ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("/api/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(aurora.Run{
				ID:     "run-demo",
				Status: "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aurora.Run{
			ID:     "run-demo",
			Status: "succeeded",
			Result: map[string]any{
				"status": "completed",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := aurora.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, aurora.Credentials{Username: "demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	created, err := client.SubmitIntent(ctx, aurora.IntentSubmission{
		Origin:   "example",
		RawInput: "summarise the weekly report",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", created.ID, created.Status)

	final, err := client.WaitForRun(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished with status %s result=%v\n", final.ID, final.Status, final.Result)
}
