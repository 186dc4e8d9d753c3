package spec

// Steganography constants
const (
	TERMINATOR    = "###" // Marks the end of an embedded payload
	BITS_PER_BYTE = 8     // Standard byte size
	CHANNELS      = 3     // RGB channels carrying data
)

// Frame layout
const (
	SIGNATURE_FRAME = 0 // Frame reserved for the signature payload
)

// Key agreement constants (illustrative group, trivially brute-forced)
const (
	DH_PRIME     = 23
	DH_GENERATOR = 5
)

// Envelope constants
const (
	AES_KEY_SIZE = 16   // AES-128
	RSA_KEY_BITS = 2048 // Signing key strength
	PEM_PUBLIC   = "PUBLIC KEY"
)

// Wire constants
const (
	PUBLIC_KEY_PREFIX = "PUBLIC_KEY:"
	MAX_LINE_SIZE     = 16 * 1024 // Upper bound for a single protocol line
	VIDEO_BUFFER_SIZE = 32 * 1024
)

// Defaults
const (
	DEFAULT_ADDR      = "localhost:12345"
	DEFAULT_HTTP_ADDR = ":5001"
	DEFAULT_DNS_ADDR  = ":5353"
	DEFAULT_DOMAIN    = "covert.example.com"
	DEFAULT_TIMEOUT   = 60 // Seconds for each blocking protocol step
	TXT_CHUNK_SIZE    = 250
)

// Passphrase constants (offline frame tools)
const (
	SALT_SIZE    = 16
	PBKDF2_ITERS = 100000 // PBKDF2 iterations (adjustable for security/speed)

	// Prepended to passphrase-sealed plaintext to recognise a correct key
	MAGIC_HEADER = 0xDEADBEEF
)
