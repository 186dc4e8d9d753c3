package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/faanross/simulacra_vid/internal/config"
	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/faanross/simulacra_vid/internal/statusdns"
)

// Queries the TXT status records a sender or control server publishes
func main() {
	cfg := config.Default()
	if err := cfg.FromEnv(config.EnvPrefix); err != nil {
		log.Fatal("❌ ", err)
	}

	server := flag.String("server", "127.0.0.1"+spec.DEFAULT_DNS_ADDR, "DNS status server")
	domain := flag.String("domain", cfg.Domain, "Status domain")
	sessionID := flag.String("session", "", "Session ID")
	record := flag.String("record", statusdns.LabelStatus, "Record: status, fp or pubkey")
	output := flag.String("output", "", "Write the public key PEM to this file")
	timeout := flag.Duration("timeout", 5*time.Second, "Query timeout")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level")
	flag.Parse()

	if err := logging.Setup(*logLevel, cfg.LogFormat); err != nil {
		log.Fatal("❌ ", err)
	}
	if *sessionID == "" {
		log.Fatal("❌ Please provide a session ID with -session flag")
	}

	client := &statusdns.Client{Server: *server, Domain: *domain, Timeout: *timeout}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("\n📡 %s.%s.%s @ %s\n", *record, *sessionID, *domain, *server)
	fmt.Println("=" + strings.Repeat("=", 40))

	switch *record {
	case statusdns.LabelStatus:
		status, err := client.Status(ctx, *sessionID)
		if err != nil {
			log.Fatalf("❌ Lookup failed: %v", err)
		}
		fmt.Printf("State:    %s\n", status.State)
		fmt.Printf("Complete: %t\n", status.Complete)

	case statusdns.LabelFP:
		fp, err := client.Fingerprint(ctx, *sessionID)
		if err != nil {
			log.Fatalf("❌ Lookup failed: %v", err)
		}
		fmt.Printf("Fingerprint: %s\n", fp)

	case statusdns.LabelPublicKey:
		pemBytes, err := client.PublicKey(ctx, *sessionID)
		if err != nil {
			log.Fatalf("❌ Lookup failed: %v", err)
		}
		if *output != "" {
			if err := os.WriteFile(*output, pemBytes, 0644); err != nil {
				log.Fatalf("❌ Cannot write key: %v", err)
			}
			fmt.Printf("Saved to: %s\n", *output)
			return
		}
		fmt.Print(string(pemBytes))

	default:
		log.Fatalf("❌ Unknown record %q", *record)
	}
}
