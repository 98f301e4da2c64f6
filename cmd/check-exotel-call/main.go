package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/env"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/exotel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/utils"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: go run cmd/check-exotel-call/main.go <call_sid>")
	}
	callSID := os.Args[1]

	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	client := exotel.NewClient(cfg.ExotelSubdomain, cfg.ExotelAccountSID, cfg.ExotelAPIKey, cfg.ExotelAPIToken)
	if client == nil {
		log.Fatalf("Missing Exotel environment variables (EXOTEL_ACCOUNT_SID, EXOTEL_API_KEY, EXOTEL_API_TOKEN)")
	}

	fmt.Println("========================================")
	fmt.Printf("Checking Exotel Call Status: %s\n", callSID)
	fmt.Println("========================================")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	call, err := client.GetCall(ctx, callSID)
	if err != nil {
		log.Fatalf("Failed to get call status: %v", err)
	}

	fmt.Printf("Call SID:   %s\n", call.Sid)
	fmt.Printf("Status:     %s\n", call.Status)
	fmt.Printf("Direction:  %s\n", call.Direction)
	fmt.Printf("From:       %s\n", utils.MaskPhoneNumber(call.From))
	fmt.Printf("To:         %s\n", call.To)
	fmt.Printf("Start Time: %s\n", call.StartTime)
	fmt.Printf("End Time:   %s\n", call.EndTime)
	fmt.Printf("Duration:   %s\n", call.Duration)
	if call.RecordingURL != "" {
		fmt.Printf("Recording:  %s\n", call.RecordingURL)
	}

	fmt.Println()
	pretty, _ := json.MarshalIndent(call, "", "  ")
	fmt.Println(string(pretty))
}
