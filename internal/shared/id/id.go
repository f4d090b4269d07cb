// Package id provides identifier generation for the bridge.
//
// Session identifiers are prefixed ULIDs (sess_<ULID>) whose entropy is read
// fresh from crypto/rand for every identifier, so a token cannot be derived
// from another one. Trace and span identifiers come from a separate
// monotonic generator and sort in creation order.
package id

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a client session
type SessionID string

// RequestID identifies a relayed request or a trace span
type RequestID string

const (
	SessionPrefix = "sess"
	RequestPrefix = "req"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	sessionGenerator *Generator
	once             sync.Once
)

func initGenerators() {
	defaultGenerator = NewGenerator()
	sessionGenerator = NewGeneratorWithEntropy(rand.Reader)
}

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(initGenerators)
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// ordering inside a millisecond.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator reading entropy straight from
// the given source, without monotonic ordering.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	once.Do(initGenerators)
	return SessionID(sessionGenerator.GenerateWithPrefix(SessionPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id SessionID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }

// Redacted returns a short digest of the identifier that is safe to publish.
// It correlates with logs and listings but cannot be presented as a token.
func (id SessionID) Redacted() string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// IsSessionID reports whether s has the shape of an issued session identifier.
// Client-supplied tokens failing this check are treated as unknown.
func IsSessionID(s string) bool {
	rest, ok := strings.CutPrefix(s, SessionPrefix+"_")
	return ok && IsValid(rest)
}
