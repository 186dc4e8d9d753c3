package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/scrypto"
	"github.com/faanross/simulacra_vid/internal/stego"
)

// Recovers a message hidden in a single PNG frame, by the encoder or by a
// sender session.
func main() {
	inputFile := flag.String("input", "", "Path to stego frame (PNG)")
	outputFile := flag.String("output", "", "Save extracted message to file")
	encrypted := flag.Bool("encrypted", false, "Payload is sealed under a passphrase")
	password := flag.String("password", "", "Passphrase (prompt if not provided)")
	tryList := flag.String("trylist", "", "Comma-separated passphrases to try")
	verbose := flag.Bool("verbose", false, "Show full extracted message")
	logLevel := flag.String("log-level", "warn", "Log level")

	flag.Parse()

	if err := logging.Setup(*logLevel, logging.FormatText); err != nil {
		log.Fatal("❌ ", err)
	}
	if *inputFile == "" {
		log.Fatal("❌ Please provide a stego frame with -input flag")
	}

	fmt.Println("\n🔓 Frame Steganography Decoder")
	fmt.Println("=" + strings.Repeat("=", 40))

	img, err := stego.LoadPNG(*inputFile)
	if err != nil {
		log.Fatalf("❌ Error reading frame: %v", err)
	}

	var message []byte
	switch {
	case *tryList != "":
		candidates := strings.Split(*tryList, ",")
		var idx int
		message, idx, err = scrypto.RevealWithCandidates(img, candidates)
		if err != nil {
			log.Fatalf("❌ None of %d passphrases worked: %v", len(candidates), err)
		}
		fmt.Printf("\n🔑 Passphrase #%d matched\n", idx+1)
	case *encrypted:
		passphrase := []byte(*password)
		if len(passphrase) == 0 {
			passphrase, err = scrypto.ReadSecret("Enter passphrase: ", 1)
			if err != nil {
				log.Fatalf("❌ Passphrase error: %v", err)
			}
		}
		message, err = scrypto.RevealFromFrame(img, passphrase)
		if err != nil {
			log.Fatalf("❌ Decoding failed: %v", err)
		}
	default:
		message, err = scrypto.RevealFromFrame(img, nil)
		if err != nil {
			log.Fatalf("❌ Decoding failed: %v", err)
		}
	}

	fmt.Printf("\n✅ Extracted %d bytes\n", len(message))

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, message, 0644); err != nil {
			log.Fatalf("❌ Cannot write output: %v", err)
		}
		fmt.Printf("   Saved to: %s\n", *outputFile)
		return
	}

	preview := string(message)
	if !*verbose && len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	fmt.Printf("\n📝 Message:\n%s\n", preview)
}
