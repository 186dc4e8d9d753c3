package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/scrypto"
	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/faanross/simulacra_vid/internal/stego"
)

// Hides a text file in a single PNG frame, optionally under a passphrase.
// Useful for preparing or checking individual frames outside a session.
func main() {
	coverFile := flag.String("cover", "", "Cover frame (PNG)")
	inputFile := flag.String("input", "", "Path to input text file")
	outputFile := flag.String("output", "stego_frame.png", "Output PNG file")
	encrypt := flag.Bool("encrypt", false, "Seal the message under a passphrase")
	password := flag.String("password", "", "Passphrase (prompt if not provided)")
	analyze := flag.Bool("analyze", false, "Show frame capacity and exit")
	logLevel := flag.String("log-level", "warn", "Log level")

	flag.Parse()

	if err := logging.Setup(*logLevel, logging.FormatText); err != nil {
		log.Fatal("❌ ", err)
	}
	if *coverFile == "" {
		log.Fatal("❌ Please provide a cover frame with -cover flag")
	}

	fmt.Println("\n🔐 Frame Steganography Encoder")
	fmt.Println("=" + strings.Repeat("=", 40))

	img, err := stego.LoadPNG(*coverFile)
	if err != nil {
		log.Fatalf("❌ Error reading cover: %v", err)
	}
	capacity := stego.Capacity(img)
	fmt.Printf("\n🖼️  Cover: %s (%dx%d, %d bytes capacity)\n",
		*coverFile, img.Bounds().Dx(), img.Bounds().Dy(), capacity)

	if *analyze {
		return
	}
	if *inputFile == "" {
		log.Fatal("❌ Please provide input file with -input flag")
	}

	message, err := os.ReadFile(*inputFile)
	if err != nil {
		log.Fatalf("❌ Error reading file: %v", err)
	}
	if bytes.Contains(message, []byte(spec.TERMINATOR)) && !*encrypt {
		log.Fatalf("❌ Message contains the %q terminator; use -encrypt", spec.TERMINATOR)
	}
	fmt.Printf("📄 Input file: %s (%d bytes)\n", *inputFile, len(message))

	var passphrase []byte
	if *encrypt {
		passphrase = []byte(*password)
		if len(passphrase) == 0 {
			passphrase, err = scrypto.ReadSecret("Enter passphrase: ", 8)
			if err != nil {
				log.Fatalf("❌ Passphrase error: %v", err)
			}
			confirm, err := scrypto.ReadSecret("Confirm passphrase: ", 8)
			if err != nil {
				log.Fatalf("❌ Passphrase error: %v", err)
			}
			if !bytes.Equal(passphrase, confirm) {
				log.Fatal("❌ Passphrases do not match")
			}
		} else if len(passphrase) < 8 {
			log.Fatal("❌ Passphrase must be at least 8 characters")
		}
	}

	if err := scrypto.HideInFrame(img, message, passphrase); err != nil {
		log.Fatalf("❌ Encoding failed: %v", err)
	}
	if err := stego.SavePNG(*outputFile, img); err != nil {
		log.Fatalf("❌ PNG encoding failed: %v", err)
	}

	fmt.Printf("\n✅ Frame written!\n")
	fmt.Printf("   Output: %s\n", *outputFile)
	if *encrypt {
		fmt.Printf("   Security: AES-CBC + PBKDF2-%d\n", spec.PBKDF2_ITERS)
	}
}
