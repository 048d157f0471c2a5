package canon

import (
	"bytes"
	"math/rand"
	"testing"
)

func canonBodyOneShot(algo Algorithm, body []byte) []byte {
	c := NewBodyCanon(algo)
	out := append([]byte{}, c.Body(body)...)
	out = append(out, c.FinalizeBody()...)
	return out
}

func canonBodyChunked(algo Algorithm, body []byte, chunkSizes []int) []byte {
	c := NewBodyCanon(algo)
	var out []byte
	i := 0
	for _, n := range chunkSizes {
		if i >= len(body) {
			break
		}
		end := i + n
		if end > len(body) {
			end = len(body)
		}
		out = append(out, c.Body(body[i:end])...)
		i = end
	}
	if i < len(body) {
		out = append(out, c.Body(body[i:])...)
	}
	out = append(out, c.FinalizeBody()...)
	return out
}

func TestBodyCanon_TrailingCRLFLaw(t *testing.T) {
	cases := []struct {
		name string
		algo Algorithm
		in   string
		want string
	}{
		{"simple empty", Simple, "", "\r\n"},
		{"relaxed empty", Relaxed, "", ""},
		{"simple collapses trailing run", Simple, "abc\r\n\r\n\r\n", "abc\r\n"},
		{"relaxed collapses trailing run", Relaxed, "abc\r\n\r\n\r\n", "abc\r\n"},
		{"simple appends missing terminator", Simple, "abc", "abc\r\n"},
		{"relaxed appends missing terminator", Relaxed, "abc", "abc\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := canonBodyOneShot(tc.algo, []byte(tc.in))
			if string(got) != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBodyCanon_RelaxedCollapsesWSP(t *testing.T) {
	in := "a  b\t \tc   \r\nd\r\n"
	got := canonBodyOneShot(Relaxed, []byte(in))
	want := "a b c\r\nd\r\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBodyCanon_ChunkingIndependence(t *testing.T) {
	bodies := []string{
		"",
		"hello world\r\n",
		"line one  \r\nline two\t\r\n\r\n\r\n",
		"no terminator at all",
		"trailing bare cr\r",
		"split\r\nacross\r\r\nboundaries  \t\r\n",
	}
	chunkings := [][]int{
		{1},
		{2, 2, 2, 2, 2, 2, 2, 2},
		{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		{5, 3},
	}

	for _, algo := range []Algorithm{Simple, Relaxed} {
		for _, body := range bodies {
			oneShot := canonBodyOneShot(algo, []byte(body))
			for _, chunking := range chunkings {
				got := canonBodyChunked(algo, []byte(body), chunking)
				if !bytes.Equal(got, oneShot) {
					t.Errorf("%s body %q chunked by %v: got %q, want %q (one-shot)",
						algo, body, chunking, got, oneShot)
				}
			}
		}
	}
}

func TestBodyCanon_RandomChunkingFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := []byte("ab \t\r\n")

	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(40)
		body := make([]byte, n)
		for i := range body {
			body[i] = alphabet[rng.Intn(len(alphabet))]
		}

		for _, algo := range []Algorithm{Simple, Relaxed} {
			oneShot := canonBodyOneShot(algo, body)

			var chunking []int
			remaining := n
			for remaining > 0 {
				sz := rng.Intn(remaining) + 1
				chunking = append(chunking, sz)
				remaining -= sz
			}
			got := canonBodyChunked(algo, body, chunking)
			if !bytes.Equal(got, oneShot) {
				t.Fatalf("%s trial %d: body %q chunked by %v diverged: got %q want %q",
					algo, trial, body, chunking, got, oneShot)
			}
		}
	}
}

func TestHeader_SimplePromotesBareLF(t *testing.T) {
	got := Header(Simple, "Subject", "hi\nthere", false, true)
	want := "Subject:hi\r\nthere"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHeader_RelaxedFoldsWhitespaceAndLowercasesName(t *testing.T) {
	got := Header(Relaxed, "Subject", "  hi   there  ", true, true)
	want := "subject:hi there\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHeader_KeepLeadingSpaceReinsertsSeparator(t *testing.T) {
	got := Header(Simple, "X-Test", "value", false, false)
	want := "X-Test: value"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSignHeader_ElidesBTagAndOmitsTrailingCRLF(t *testing.T) {
	value := " v=1; b=AAAA/BBBB==; d=example.com"
	start := len(" v=1; b=")
	end := start + len("AAAA/BBBB==")
	got := SignHeader(Simple, "DKIM-Signature", value, true, start, end)
	want := "DKIM-Signature: v=1; b=; d=example.com"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if len(got) >= 2 && got[len(got)-2:] == "\r\n" {
		t.Errorf("SignHeader must not append a trailing CRLF, got %q", got)
	}
}
