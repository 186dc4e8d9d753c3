package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/faanross/simulacra_vid/internal/config"
	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/faanross/simulacra_vid/internal/scrypto"
	"github.com/faanross/simulacra_vid/internal/statusdns"
	"github.com/faanross/simulacra_vid/internal/transport"
)

// ================================================================================
// STEGO SENDER - hides a signed, encrypted message in a video and serves it
// to the first receiver that connects
// ================================================================================

func main() {
	cfg := config.Default()
	if err := cfg.FromEnv(config.EnvPrefix); err != nil {
		log.Fatal("❌ ", err)
	}
	cfg.BindFlags(flag.CommandLine)

	var (
		videoPath = flag.String("in", "", "Cover video")
		message   = flag.String("message", "", "Message to hide (prompted when empty)")
	)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ ", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal("❌ ", err)
	}
	if *videoPath == "" {
		log.Fatal("❌ Cover video required (-in)")
	}

	msg := []byte(*message)
	if len(msg) == 0 {
		var err error
		msg, err = scrypto.ReadSecret("Message to hide: ", 1)
		if err != nil {
			log.Fatal("❌ ", err)
		}
	}

	sender, err := cfg.Sender()
	if err != nil {
		log.Fatal("❌ ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := transport.Listen(cfg.Transport, cfg.Addr)
	if err != nil {
		log.Fatal("❌ ", err)
	}

	sess := protocol.NewSession(protocol.RoleSender, statePrinter())

	fmt.Println("\n🎬 STEGO SENDER")
	fmt.Println("=" + strings.Repeat("=", 40))
	fmt.Printf("Session:   %s\n", sess.ID())
	fmt.Printf("Video:     %s\n", *videoPath)
	fmt.Printf("Message:   %d bytes\n", len(msg))
	fmt.Printf("Listening: %s (%s)\n", ln.Addr(), cfg.Transport)

	if cfg.DNSAddr != "" {
		dnsSrv := statusdns.NewServer(cfg.Domain, sessionSource(sess))
		addr, err := dnsSrv.Start(cfg.DNSAddr)
		if err != nil {
			log.Fatal("❌ ", err)
		}
		fmt.Printf("DNS:       %s (fp.%s.%s)\n", addr, sess.ID(), cfg.Domain)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			dnsSrv.Shutdown(shutdownCtx)
		}()
	}

	runErr := sender.Run(ctx, sess, ln, *videoPath, msg)

	fmt.Println("\n" + strings.Repeat("=", 41))
	if secrets, ok := sess.Secrets(); ok {
		fmt.Printf("🔑 Key secret:     %d\n", secrets.Key)
		fmt.Printf("🔑 Message secret: %d\n", secrets.Msg)
	}
	if snap := sess.Snapshot(); snap.Fingerprint != "" {
		fmt.Printf("🪪 Fingerprint:    %s\n", snap.Fingerprint)
	}
	if runErr != nil {
		log.Fatal("❌ Send failed: ", runErr)
	}
	fmt.Println("✅ Video delivered")
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

// sessionSource answers DNS status queries for the one session this process runs
func sessionSource(sess *protocol.Session) statusdns.SourceFunc {
	return func(id string) (statusdns.Status, bool) {
		if !strings.EqualFold(id, sess.ID()) {
			return statusdns.Status{}, false
		}
		snap := sess.Snapshot()
		return statusdns.Status{
			State:       snap.State.String(),
			Complete:    snap.Complete,
			Fingerprint: snap.Fingerprint,
			PublicKey:   sess.PublicKey(),
		}, true
	}
}
