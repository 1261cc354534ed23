package replbox

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Checker vets submitted source before execution. A non-nil error rejects
// the submission without running it. Errors should be a *Fault so the
// rejection renders in the wire format.
type Checker interface {
	Check(code string) error
}

// defaultSystemPhrases are the disabled system and subprocess entry points.
// All phrases are stored lowercase for case-insensitive matching.
var defaultSystemPhrases = []string{
	"os.system",
	"os.popen",
	"os.spawn",
	"subprocess.run",
	"subprocess.popen",
	"subprocess.call",
	"subprocess.check_call",
	"subprocess.check_output",
	"subprocess.getoutput",
	"subprocess.getstatusoutput",
}

// defaultNetworkPhrases are the disabled network entry points.
// socket.gethostname is deliberately absent: it is allowed and answers
// "localhost".
var defaultNetworkPhrases = []string{
	"socket.socket",
	"socket.create_connection",
	"socket.getaddrinfo",
	"socket.gethostbyname",
	"socket.gethostbyaddr",
}

// zeroWidthChars are Unicode zero-width and invisible characters used to
// smuggle denied references past substring checks.
var zeroWidthChars = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"⁠", " ", // word joiner
	"᠎", " ", // Mongolian vowel separator
	"­", "",  // soft hyphen (removed, not replaced)
)

// SourceGuard rejects submissions that reference disabled capabilities
// before any execution budget is spent, using layered heuristics:
//
//   - Layer 1: system/subprocess entry points (case-insensitive substring)
//   - Layer 2: network entry points
//   - Layer 3: obfuscation (zero-width characters anywhere in the source)
//   - Layer 4: operator-supplied phrases and regex
//
// Layers 1 and 2 run on text cleaned of zero-width characters and NFKC
// normalized, so fullwidth Latin and similar lookalikes still match.
//
// The guard is stricter than the runtime denial stubs: it flags a bare
// reference even when the code never calls it, string literals included.
// Deploy it where spending interpreter budget on known-denied code is
// unacceptable; use SkipGuardLayers when a layer produces false positives.
// Check returns *Fault on a match. Safe for concurrent use.
type SourceGuard struct {
	system     []string
	network    []string
	phrases    []string
	custom     []*regexp.Regexp
	skipLayers map[int]bool
	logger     *slog.Logger
}

// NewSourceGuard creates a guard with the built-in denial phrase lists.
// Options add patterns, add regex, skip layers, set the logger.
func NewSourceGuard(opts ...GuardOption) *SourceGuard {
	g := &SourceGuard{
		system:     append([]string{}, defaultSystemPhrases...),
		network:    append([]string{}, defaultNetworkPhrases...),
		skipLayers: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// GuardOption configures a SourceGuard.
type GuardOption func(*SourceGuard)

// GuardPhrases adds custom blocked phrases (case-insensitive substring
// match) checked by Layer 4.
func GuardPhrases(phrases ...string) GuardOption {
	return func(g *SourceGuard) {
		for _, p := range phrases {
			g.phrases = append(g.phrases, strings.ToLower(p))
		}
	}
}

// GuardRegex adds custom regex patterns checked by Layer 4.
func GuardRegex(patterns ...*regexp.Regexp) GuardOption {
	return func(g *SourceGuard) {
		g.custom = append(g.custom, patterns...)
	}
}

// GuardLogger sets the structured logger for the guard. When set, rejected
// submissions are logged at WARN level with the matched layer.
func GuardLogger(l *slog.Logger) GuardOption {
	return func(g *SourceGuard) { g.logger = l }
}

// SkipGuardLayers disables specific detection layers (1-4).
func SkipGuardLayers(layers ...int) GuardOption {
	return func(g *SourceGuard) {
		for _, l := range layers {
			g.skipLayers[l] = true
		}
	}
}

// Check runs all enabled layers against one submission.
func (g *SourceGuard) Check(code string) error {
	layer, fault := g.scan(code)
	if fault != nil {
		g.logger.Warn("submission rejected by source guard", "layer", layer, "kind", fault.Kind)
		return fault
	}
	return nil
}

// scan returns the layer number that matched and its Fault, or (0, nil)
// when the source is clean.
func (g *SourceGuard) scan(code string) (int, *Fault) {
	// Pre-pass: strip zero-width characters, normalize unicode (NFKC folds
	// fullwidth Latin, mathematical alphanumerics, ligatures).
	cleaned := zeroWidthChars.Replace(code)
	lower := strings.ToLower(norm.NFKC.String(cleaned))

	if !g.skipLayers[1] {
		for _, phrase := range g.system {
			if strings.Contains(lower, phrase) {
				return 1, &Fault{Kind: FaultCapability, Detail: DeniedSystem}
			}
		}
	}

	if !g.skipLayers[2] {
		for _, phrase := range g.network {
			if strings.Contains(lower, phrase) {
				return 2, &Fault{Kind: FaultCapability, Detail: DeniedNetwork}
			}
		}
	}

	if !g.skipLayers[3] && cleaned != code {
		return 3, Faultf(FaultCapability, "zero-width characters in source")
	}

	if !g.skipLayers[4] {
		for _, phrase := range g.phrases {
			if strings.Contains(lower, phrase) {
				return 4, Faultf(FaultCapability, "blocked phrase %q", phrase)
			}
		}
		for _, re := range g.custom {
			if re.MatchString(cleaned) {
				return 4, Faultf(FaultCapability, "blocked pattern %q", re.String())
			}
		}
	}

	return 0, nil
}

// compile-time check
var _ Checker = (*SourceGuard)(nil)

// nopLogger is the default logger for components that were not handed one.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
