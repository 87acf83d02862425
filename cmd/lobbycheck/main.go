package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/park285/pet-lobby-client/internal/api"
	"github.com/park285/pet-lobby-client/internal/protocol"
	"github.com/park285/pet-lobby-client/internal/transport"
)

func main() {
	apiURL := os.Getenv("LOBBY_API_URL")
	wsURL := os.Getenv("LOBBY_WS_URL")
	userID, _ := strconv.ParseInt(os.Getenv("LOBBY_USER_ID"), 10, 64)
	name := os.Getenv("LOBBY_DISPLAY_NAME")
	token := os.Getenv("LOBBY_TOKEN")

	if userID <= 0 {
		log.Fatal("LOBBY_USER_ID is required")
	}
	if name == "" {
		name = fmt.Sprintf("check-%d", userID)
	}

	if apiURL != "" {
		client := api.NewClient(apiURL, api.WithTimeout(8*time.Second))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		st, err := client.GetPetStatus(ctx, userID)
		cancel()
		if err != nil {
			log.Printf("/api/pet/status error: %v", err)
		} else {
			log.Printf("/api/pet/status ok: pet=%s energy=%d score=%d status=%s", st.PetName, st.Energy, st.Score, st.Status)
		}
	}

	if wsURL == "" {
		log.Println("LOBBY_WS_URL not set; skipping WS check")
		return
	}

	s := transport.New(wsURL, transport.Identity{UserID: userID, DisplayName: name, Token: token})
	s.OnStateChange(func(state transport.State) {
		log.Printf("WS state: %s", state)
	})
	s.OnMessage(func(raw []byte) {
		in, err := protocol.Parse(raw)
		if err != nil {
			fmt.Printf("WS bad frame: %v %q\n", err, raw)
			return
		}
		fmt.Printf("WS msg type=%s from=%d payload=%s\n", in.Envelope.Type, in.Envelope.SenderID, in.Envelope.Payload)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := s.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	env, err := protocol.Encode(&protocol.JoinLobby{DisplayName: name, X: 100, Y: 100})
	if err == nil {
		err = s.Send(cctx, env)
	}
	if err != nil {
		log.Printf("join_lobby error: %v", err)
	}

	// Observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	_ = s.Close(context.Background())
}
