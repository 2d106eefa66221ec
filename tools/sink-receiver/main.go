// sink-receiver is a local webhook endpoint for testing killfeed
// profiles. It verifies the HMAC signature when SECRET is set, logs each
// notification, and exposes simple stats.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/voidwatch/killfeed/internal/dispatch"
)

type notification struct {
	Timestamp      string `json:"timestamp"`
	DeliveryID     string `json:"delivery_id"`
	KillmailID     string `json:"killmail_id"`
	SignatureValid *bool  `json:"signature_valid,omitempty"`
	Body           string `json:"body"`
}

type stats struct {
	Count         int64          `json:"count"`
	BadSignatures int64          `json:"bad_signatures"`
	Last          []notification `json:"last"`
	Since         string         `json:"since"`
}

var (
	mu            sync.Mutex
	count         int64
	badSignatures int64
	last          []notification
	since         time.Time
	secret        string
	maxStored     = 50
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("SECRET")

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		badSignatures = 0
		last = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	if secret == "" {
		log.Println("sink-receiver: SECRET not set; signature verification disabled")
	}
	log.Printf("sink-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	n := notification{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DeliveryID: r.Header.Get("X-Killfeed-Delivery-ID"),
		KillmailID: r.Header.Get("X-Killfeed-Killmail-ID"),
		Body:       string(body),
	}

	if secret != "" {
		valid := dispatch.VerifySignature(secret, body, r.Header.Get("X-Killfeed-Signature"))
		n.SignatureValid = &valid
		if !valid {
			mu.Lock()
			badSignatures++
			mu.Unlock()
			log.Printf("hook: BAD SIGNATURE killmail=%s delivery=%s", n.KillmailID, n.DeliveryID)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	mu.Lock()
	count++
	last = append(last, n)
	if len(last) > maxStored {
		last = last[len(last)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("hook received #%d killmail=%s: %s", current, n.KillmailID, n.Body)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:         count,
		BadSignatures: badSignatures,
		Last:          last,
		Since:         since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
