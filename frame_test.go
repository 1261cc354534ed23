package replbox

import (
	"bufio"
	"strings"
	"testing"
	"testing/iotest"
)

func TestScanFrames(t *testing.T) {
	input := "alpha|print(1)<|EOM|>beta|print(2)<|EOM|>"
	sc := bufio.NewScanner(strings.NewReader(input))
	sc.Split(ScanFrames)

	var frames []string
	for sc.Scan() {
		frames = append(frames, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	want := []string{"alpha|print(1)", "beta|print(2)"}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, frames[i], want[i])
		}
	}
}

func TestScanFramesEOFRemainder(t *testing.T) {
	// Peers that half-close instead of sending the sentinel still get
	// their last message through.
	sc := bufio.NewScanner(strings.NewReader("sess|x = 1"))
	sc.Split(ScanFrames)

	if !sc.Scan() {
		t.Fatalf("expected one frame, got none: %v", sc.Err())
	}
	if got := sc.Text(); got != "sess|x = 1" {
		t.Errorf("frame = %q, want %q", got, "sess|x = 1")
	}
	if sc.Scan() {
		t.Errorf("unexpected extra frame %q", sc.Text())
	}
}

func TestScanFramesSentinelSplitAcrossReads(t *testing.T) {
	// One byte per read forces the accumulate path through partial
	// sentinels.
	input := "sess|print('hi')<|EOM|>sess|print('bye')<|EOM|>"
	sc := bufio.NewScanner(iotest.OneByteReader(strings.NewReader(input)))
	sc.Split(ScanFrames)

	var frames []string
	for sc.Scan() {
		frames = append(frames, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0] != "sess|print('hi')" || frames[1] != "sess|print('bye')" {
		t.Errorf("frames = %q", frames)
	}
}

func TestScanFramesEmptyFrame(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader(Sentinel))
	sc.Split(ScanFrames)

	if !sc.Scan() {
		t.Fatalf("expected one empty frame: %v", sc.Err())
	}
	if got := sc.Text(); got != "" {
		t.Errorf("frame = %q, want empty", got)
	}
}

func TestSplitRequest(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		session string
		code    string
		ok      bool
	}{
		{"simple", "sess-1|print(1)", "sess-1", "print(1)", true},
		{"delimiter in code", "sess-1|a = '1|2'.split('|')", "sess-1", "a = '1|2'.split('|')", true},
		{"multiline code", "s|x = 1\ny = 2", "s", "x = 1\ny = 2", true},
		{"empty code", "sess-1|", "sess-1", "", true},
		{"empty session", "|print(1)", "", "print(1)", true},
		{"no delimiter", "print(1)", "", "", false},
		{"empty frame", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, code, ok := SplitRequest(tt.frame)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if session != tt.session {
				t.Errorf("session = %q, want %q", session, tt.session)
			}
			if code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	raw := EncodeRequest("sess-42", "print('a|b')\nx = 1")

	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	sc.Split(ScanFrames)
	if !sc.Scan() {
		t.Fatalf("no frame: %v", sc.Err())
	}

	session, code, ok := SplitRequest(sc.Text())
	if !ok {
		t.Fatal("frame lost its delimiter")
	}
	if session != "sess-42" {
		t.Errorf("session = %q, want %q", session, "sess-42")
	}
	if code != "print('a|b')\nx = 1" {
		t.Errorf("code = %q", code)
	}
}

func TestEncodeResponse(t *testing.T) {
	raw := string(EncodeResponse("Success: Code executed with no output."))
	if !strings.HasSuffix(raw, Sentinel) {
		t.Errorf("response %q missing sentinel", raw)
	}
	if !strings.HasPrefix(raw, "Success:") {
		t.Errorf("response %q lost its text", raw)
	}
}
