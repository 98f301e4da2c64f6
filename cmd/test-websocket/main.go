package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/api/handlers"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/pipeline"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audio"
)

// Plays a fake caller against /voicebot/ws: sends start, a burst of tone
// followed by silence, echoes every mark and prints what the bot sends back.
func main() {
	wsURL := "ws://localhost:8080/voicebot/ws?sample-rate=16000&call_sid=smoke-test&from=966500000000&to=920000000"
	if len(os.Args) > 1 {
		wsURL = os.Args[1]
	}
	const streamSid = "smoke-stream"

	fmt.Println("========================================")
	fmt.Printf("Voicebot stream smoke test: %s\n", wsURL)
	fmt.Println("========================================")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("Connection failed: %v (status %d)", err, resp.StatusCode)
		}
		log.Fatalf("Connection failed: %v", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	var start handlers.StartEvent
	start.Event = "start"
	start.StreamSid = streamSid
	start.Start.StreamSid = streamSid
	start.Start.CallSid = "smoke-test"
	start.Start.MediaFormat = handlers.MediaFormat{Encoding: "raw/slin", SampleRate: "16000"}
	if err := send(start); err != nil {
		log.Fatalf("Failed to send start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		media := 0
		for {
			var ev handlers.MarkEvent
			if err := conn.ReadJSON(&ev); err != nil {
				fmt.Printf("Stream closed: %v\n", err)
				return
			}
			switch ev.Event {
			case "media":
				media++
			case "mark":
				fmt.Printf("<- mark %s after %d media frames\n", ev.Mark.Name, media)
				media = 0
				if err := send(ev); err != nil {
					return
				}
			default:
				fmt.Printf("<- %s\n", ev.Event)
			}
		}
	}()

	// let the greeting play before speaking
	time.Sleep(3 * time.Second)

	speech := append(pipeline.Tone(1500*time.Millisecond, 220), make([]byte, audio.SampleRate*2)...)
	for _, frame := range audio.Chunk(speech, audio.FrameBytes) {
		var m handlers.MediaEvent
		m.Event = "media"
		m.StreamSid = streamSid
		m.Media.Payload = audio.EncodeBase64(frame)
		if err := send(m); err != nil {
			log.Fatalf("Failed to send media: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Println("-> utterance sent, waiting for the reply")

	select {
	case <-done:
	case <-time.After(15 * time.Second):
	}

	send(handlers.ExotelEvent{Event: "stop", StreamSid: streamSid})
	writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	fmt.Println("Done")
}
