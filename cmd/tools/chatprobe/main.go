// chatprobe is a manual end-to-end probe for the relay: it joins the hub as
// a websocket client, submits a prompt over HTTP and prints every streamed
// chunk until the response completes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Event     string `json:"event"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := flag.String("addr", "http://127.0.0.1:8080", "backend base URL")
	prompt := flag.String("prompt", "Hello", "prompt to submit")
	idle := flag.Duration("idle", 10*time.Second, "stop after this long without a chunk")
	flag.Parse()

	wsURL := strings.Replace(*addr, "http", "ws", 1) + "/api/hub"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("failed to dial hub at %s: %v", wsURL, err)
	}
	defer conn.Close()

	connectionID, err := awaitConnectionID(conn)
	if err != nil {
		log.Fatalf("handshake failed: %v", err)
	}
	log.Printf("connected, connection id: %s", connectionID)

	if err := submitPrompt(*addr, connectionID, *prompt); err != nil {
		log.Fatalf("prompt submission failed: %v", err)
	}
	log.Printf("prompt accepted, streaming response:")

	for {
		conn.SetReadDeadline(time.Now().Add(*idle))
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Printf("stream closed: %v", err)
			return
		}
		if env.Event != "ReceiveMessage" {
			continue
		}
		fmt.Print(env.Data)
		if strings.HasPrefix(env.Data, "Error: ") {
			fmt.Println()
			log.Fatal("stream ended with an error notice")
		}
	}
}

func awaitConnectionID(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", err
	}
	if env.Event != "connected" || env.Data == "" {
		return "", fmt.Errorf("unexpected handshake event %q", env.Event)
	}
	return env.Data, nil
}

func submitPrompt(addr, connectionID, prompt string) error {
	payload, err := json.Marshal(map[string]string{
		"prompt":       prompt,
		"connectionId": connectionID,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(addr+"/api/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d (is RELAY_DELIVERY_MODE=push?)", resp.StatusCode)
	}
	return nil
}
