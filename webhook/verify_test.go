package webhook

import "testing"

func TestVerify(t *testing.T) {
	id, ts, body := []byte("msg-1"), []byte("2024-05-01T18:00:00Z"), []byte(`{"ok":true}`)
	good := Sign("sha256", "s3cret", id, ts, body)

	tests := []struct {
		name     string
		secret   string
		parts    [][]byte
		provided string
		want     bool
	}{
		{"twitch sha256", "s3cret", [][]byte{id, ts, body}, good, true},
		{"websub sha1", "hub", [][]byte{body}, Sign("sha1", "hub", body), true},
		{"uppercase algorithm", "hub", [][]byte{body}, "SHA1=" + Sign("sha1", "hub", body)[len("sha1="):], true},
		{"wrong secret", "other", [][]byte{id, ts, body}, good, false},
		{"tampered body", "s3cret", [][]byte{id, ts, []byte(`{"ok":false}`)}, good, false},
		{"parts reordered", "s3cret", [][]byte{ts, id, body}, good, false},
		{"missing algorithm", "s3cret", [][]byte{id, ts, body}, good[len("sha256="):], false},
		{"unknown algorithm", "s3cret", [][]byte{id, ts, body}, "md5=" + good[len("sha256="):], false},
		{"not hex", "s3cret", [][]byte{id, ts, body}, "sha256=zz", false},
		{"empty secret", "", [][]byte{body}, Sign("sha256", "", body), false},
		{"empty header", "s3cret", [][]byte{body}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.parts, tt.provided); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySHA256(t *testing.T) {
	id, ts, body := []byte("msg-1"), []byte("2024-05-01T18:00:00Z"), []byte(`{"ok":true}`)
	tests := []struct {
		name     string
		provided string
		want     bool
	}{
		{"sha256", Sign("sha256", "s3cret", id, ts, body), true},
		{"sha1 with the right secret", Sign("sha1", "s3cret", id, ts, body), false},
		{"wrong secret", Sign("sha256", "other", id, ts, body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySHA256("s3cret", [][]byte{id, ts, body}, tt.provided); got != tt.want {
				t.Errorf("VerifySHA256() = %v, want %v", got, tt.want)
			}
		})
	}
}
