package replbox

import (
	"regexp"
	"testing"
)

func TestSourceGuardLayer1System(t *testing.T) {
	guard := NewSourceGuard()

	tests := []struct {
		name    string
		code    string
		blocked bool
	}{
		{"os.system call", `os.system("ls -la")`, true},
		{"os.popen", `out = os.popen("whoami")`, true},
		{"os.spawn variant", `os.spawnlp(os.P_WAIT, "cp", "cp", "a", "b")`, true},
		{"subprocess.run", `subprocess.run(["curl", "evil"])`, true},
		{"subprocess.check_output", `subprocess.check_output("id")`, true},
		{"case insensitive", `OS.SYSTEM("ls")`, true},
		{"fullwidth lookalikes", "ｏｓ.ｓｙｓｔｅｍ(\"ls\")", true},
		{"string literal still flagged", `print("os.system")`, true},
		{"clean code", `x = 40 + 2`, false},
		{"similar name passes", `subprocess_count = 3`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.code)
			if tt.blocked && err == nil {
				t.Error("expected block, got nil")
			}
			if !tt.blocked && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
		})
	}
}

func TestSourceGuardLayer2Network(t *testing.T) {
	guard := NewSourceGuard()

	tests := []struct {
		name    string
		code    string
		blocked bool
	}{
		{"socket.socket", `s = socket.socket()`, true},
		{"create_connection", `socket.create_connection(("evil", 80))`, true},
		{"getaddrinfo", `socket.getaddrinfo("example.com", 443)`, true},
		{"gethostbyname", `socket.gethostbyname("example.com")`, true},
		{"gethostname allowed", `print(socket.gethostname())`, false},
		{"clean code", `print("socket science")`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.code)
			if tt.blocked && err == nil {
				t.Error("expected block, got nil")
			}
			if !tt.blocked && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
		})
	}
}

func TestSourceGuardLayer3ZeroWidth(t *testing.T) {
	guard := NewSourceGuard()

	tests := []struct {
		name    string
		code    string
		blocked bool
	}{
		{"smuggled reference", "os.sys​tem(\"ls\")", true},
		{"stray word joiner", "x⁠ = 1", true},
		{"soft hyphen", "pri­nt(1)", true},
		{"plain unicode passes", `print("héllo wörld")`, false},
		{"clean code", `y = [i * i for i in range(10)]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.code)
			if tt.blocked && err == nil {
				t.Error("expected block, got nil")
			}
			if !tt.blocked && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
		})
	}
}

func TestSourceGuardLayer4Custom(t *testing.T) {
	guard := NewSourceGuard(
		GuardPhrases("load_extension"),
		GuardRegex(regexp.MustCompile(`(?m)^\s*while\s+True\s*:`)),
	)

	tests := []struct {
		name    string
		code    string
		blocked bool
	}{
		{"custom phrase", `load_extension("hack")`, true},
		{"custom phrase case insensitive", `LOAD_EXTENSION("hack")`, true},
		{"custom regex", "while True:\n    pass", true},
		{"no match", `total = sum([1, 2, 3])`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.code)
			if tt.blocked && err == nil {
				t.Error("expected block, got nil")
			}
			if !tt.blocked && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
		})
	}
}

func TestSourceGuardSkipLayers(t *testing.T) {
	guard := NewSourceGuard(SkipGuardLayers(1))

	// Layer 1 phrase should pass when skipped
	if err := guard.Check(`os.system("ls")`); err != nil {
		t.Errorf("expected pass with layer 1 skipped, got %v", err)
	}

	// Layer 2 should still work
	if err := guard.Check(`socket.socket()`); err == nil {
		t.Error("expected block from layer 2")
	}
}

func TestSourceGuardFaultDetails(t *testing.T) {
	guard := NewSourceGuard()

	err := guard.Check(`os.system("ls")`)
	fault, ok := err.(*Fault)
	if !ok {
		t.Fatalf("expected *Fault, got %T", err)
	}
	if fault.Kind != FaultCapability {
		t.Errorf("kind = %q, want %q", fault.Kind, FaultCapability)
	}
	if fault.Detail != DeniedSystem {
		t.Errorf("detail = %q, want %q", fault.Detail, DeniedSystem)
	}

	err = guard.Check(`socket.create_connection(("h", 80))`)
	fault, ok = err.(*Fault)
	if !ok {
		t.Fatalf("expected *Fault, got %T", err)
	}
	if fault.Detail != DeniedNetwork {
		t.Errorf("detail = %q, want %q", fault.Detail, DeniedNetwork)
	}
}

func TestSourceGuardCleanSubmission(t *testing.T) {
	guard := NewSourceGuard()

	code := "def fib(n):\n    a, b = 0, 1\n    for _ in range(n):\n        a, b = b, a + b\n    return a\n\nprint(fib(10))"
	if err := guard.Check(code); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
}
