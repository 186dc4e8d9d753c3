package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/faanross/simulacra_vid/internal/config"
	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/faanross/simulacra_vid/internal/statusdns"
)

// ================================================================================
// STEGO RECEIVER - connects to a sender, agrees frame secrets, receives the
// stego video and recovers the message
// ================================================================================

func main() {
	cfg := config.Default()
	if err := cfg.FromEnv(config.EnvPrefix); err != nil {
		log.Fatal("❌ ", err)
	}
	cfg.BindFlags(flag.CommandLine)

	var (
		receiveOnly = flag.Bool("receive-only", false, "Save the video and secrets without decoding")
		decodePath  = flag.String("decode", "", "Decode a previously received video instead of connecting")
		pubKeyPath  = flag.String("pubkey", "", "Sender public key PEM for -decode")
		keySecret   = flag.Uint64("key-secret", 0, "Key frame secret for -decode")
		msgSecret   = flag.Uint64("msg-secret", 0, "Message frame secret for -decode")
		dnsServer   = flag.String("dns-server", "", "Sender DNS status server for fingerprint cross-check")
		sessionID   = flag.String("session", "", "Sender session ID for the cross-check")
	)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ ", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal("❌ ", err)
	}

	receiver, err := cfg.Receiver()
	if err != nil {
		log.Fatal("❌ ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := protocol.NewSession(protocol.RoleReceiver, statePrinter())

	fmt.Println("\n📥 STEGO RECEIVER")
	fmt.Println("=" + strings.Repeat("=", 40))
	fmt.Printf("Session: %s\n", sess.ID())

	if *decodePath != "" {
		var pub *rsa.PublicKey
		if *pubKeyPath != "" {
			pemBytes, err := os.ReadFile(*pubKeyPath)
			if err != nil {
				log.Fatal("❌ ", err)
			}
			if pub, err = envelope.ParsePublicKey(pemBytes); err != nil {
				log.Fatal("❌ ", err)
			}
		}
		fmt.Printf("Decoding: %s\n", *decodePath)

		secrets := keyagree.Secrets{Key: *keySecret, Msg: *msgSecret}
		result, err := receiver.Decode(ctx, sess, secrets, *decodePath, pub)
		if err != nil {
			log.Fatal("❌ Decode failed: ", err)
		}
		printResult(result)
		return
	}

	fmt.Printf("Sender:  %s (%s)\n", cfg.Addr, cfg.Transport)

	if *receiveOnly {
		delivery, err := receiver.Receive(ctx, sess, cfg.Addr)
		if err != nil {
			log.Fatal("❌ Receive failed: ", err)
		}
		pubPath := delivery.VideoPath + ".pub.pem"
		if err := os.WriteFile(pubPath, delivery.PEM, 0644); err != nil {
			log.Fatal("❌ ", err)
		}

		fmt.Println("\n" + strings.Repeat("=", 41))
		fmt.Printf("📼 Video:          %s\n", delivery.VideoPath)
		fmt.Printf("🔏 Public key:     %s\n", pubPath)
		fmt.Printf("🔑 Key secret:     %d\n", delivery.Secrets.Key)
		fmt.Printf("🔑 Message secret: %d\n", delivery.Secrets.Msg)
		crossCheck(ctx, cfg, *dnsServer, *sessionID, sess.Snapshot().Fingerprint)
		return
	}

	result, err := receiver.Run(ctx, sess, cfg.Addr)
	if err != nil {
		log.Fatal("❌ Receive failed: ", err)
	}
	printResult(result)
	crossCheck(ctx, cfg, *dnsServer, *sessionID, result.Fingerprint)
}

func printResult(result *protocol.Result) {
	fmt.Println("\n" + strings.Repeat("=", 41))
	fmt.Printf("📼 Video:       %s\n", result.VideoPath)
	if result.PlayablePath != "" {
		fmt.Printf("▶️  Playable:    %s\n", result.PlayablePath)
	}
	fmt.Printf("🧭 Frames:      %s\n", result.Selection)
	if result.Verified {
		fmt.Println("✅ Signature:   verified")
	} else {
		fmt.Println("⚠️  Signature:   NOT verified")
	}
	fmt.Printf("\n📝 Message:\n%s\n", result.Message)
}

// crossCheck compares the key fingerprint received in-band with the one the
// sender publishes over DNS
func crossCheck(ctx context.Context, cfg config.Config, server, id, fingerprint string) {
	if server == "" || id == "" {
		return
	}
	client := &statusdns.Client{Server: server, Domain: cfg.Domain, Timeout: cfg.Timeout}
	published, err := client.Fingerprint(ctx, id)
	if err != nil {
		fmt.Printf("⚠️  Fingerprint lookup failed: %v\n", err)
		return
	}
	if !strings.EqualFold(published, fingerprint) {
		fmt.Printf("❌ Fingerprint MISMATCH: received %s, published %s\n", fingerprint, published)
		os.Exit(2)
	}
	fmt.Println("✅ Fingerprint matches the sender's DNS record")
}

// statePrinter prints each state once as the session moves through it
func statePrinter() protocol.Observer {
	last := protocol.StateNew
	return func(snap protocol.Snapshot) {
		if snap.State == last {
			return
		}
		last = snap.State
		fmt.Printf("   → %s\n", snap.State)
	}
}
