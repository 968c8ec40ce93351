package s3

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"riskgraph/internal/ingest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Bucket != "riskgraph-archive" {
		t.Errorf("unexpected default bucket %q", cfg.Bucket)
	}
	if cfg.Prefix != "dlq/" {
		t.Errorf("unexpected default prefix %q", cfg.Prefix)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty region",
			modify:  func(c *Config) { c.Region = "" },
			wantErr: true,
		},
		{
			name:    "empty bucket",
			modify:  func(c *Config) { c.Bucket = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		in   string
		want types.StorageClass
	}{
		{"STANDARD", types.StorageClassStandard},
		{"standard_ia", types.StorageClassStandardIa},
		{"INTELLIGENT_TIERING", types.StorageClassIntelligentTiering},
		{"GLACIER", types.StorageClassGlacier},
		{"DEEP_ARCHIVE", types.StorageClassDeepArchive},
		{"unknown", types.StorageClassStandard},
		{"", types.StorageClassStandard},
	}

	for _, tt := range tests {
		cfg := &Config{StorageClass: tt.in}
		if got := cfg.GetStorageClass(); got != tt.want {
			t.Errorf("GetStorageClass(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func sampleLetters(n int) []ingest.DeadLetter {
	letters := make([]ingest.DeadLetter, n)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := range letters {
		letters[i] = ingest.DeadLetter{
			EventID:   "ev-" + string(rune('a'+i%26)),
			EventType: "auth_failure",
			Raw:       []byte(`{"entity":"svc-1"}`),
			Reason:    "deserialize",
			Error:     "unexpected end of JSON input",
			Topic:     "riskgraph.events",
			Partition: i % 4,
			Offset:    int64(100 + i),
			FailedAt:  base.Add(time.Duration(i) * time.Minute),
		}
	}
	return letters
}

func TestNDJSONRoundTrip(t *testing.T) {
	letters := sampleLetters(5)

	data, err := encodeNDJSON(letters)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	decoded, err := decodeNDJSON(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(decoded) != len(letters) {
		t.Fatalf("decoded %d letters, want %d", len(decoded), len(letters))
	}
	for i := range letters {
		if decoded[i].EventID != letters[i].EventID {
			t.Errorf("letter %d id = %q, want %q", i, decoded[i].EventID, letters[i].EventID)
		}
		if decoded[i].Offset != letters[i].Offset {
			t.Errorf("letter %d offset = %d, want %d", i, decoded[i].Offset, letters[i].Offset)
		}
		if !decoded[i].FailedAt.Equal(letters[i].FailedAt) {
			t.Errorf("letter %d failed_at = %v, want %v", i, decoded[i].FailedAt, letters[i].FailedAt)
		}
	}
}

func TestGzipRoundTrip(t *testing.T) {
	a := &DeadLetterArchive{config: &ArchiverConfig{Compression: CompressionGzip}}

	data, err := encodeNDJSON(sampleLetters(20))
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	compressed, err := a.compress(data)
	if err != nil {
		t.Fatalf("compress error: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Error("expected repetitive payload to compress")
	}

	restored, err := a.decompress(compressed, CompressionGzip)
	if err != nil {
		t.Fatalf("decompress error: %v", err)
	}
	if string(restored) != string(data) {
		t.Error("round trip did not restore original bytes")
	}
}

func TestCompressionNonePassthrough(t *testing.T) {
	a := &DeadLetterArchive{config: &ArchiverConfig{Compression: CompressionNone}}

	data := []byte("plain payload")
	got, err := a.compress(data)
	if err != nil {
		t.Fatalf("compress error: %v", err)
	}
	if string(got) != string(data) {
		t.Error("CompressionNone should pass data through")
	}
}

func TestSplitParts(t *testing.T) {
	tests := []struct {
		name      string
		letters   int
		partSize  int
		wantParts []int
	}{
		{"exact multiple", 10, 5, []int{5, 5}},
		{"remainder", 7, 3, []int{3, 3, 1}},
		{"single part", 4, 100, []int{4}},
		{"zero part size keeps one part", 6, 0, []int{6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := splitParts(sampleLetters(tt.letters), tt.partSize)
			if len(parts) != len(tt.wantParts) {
				t.Fatalf("got %d parts, want %d", len(parts), len(tt.wantParts))
			}
			for i, want := range tt.wantParts {
				if len(parts[i]) != want {
					t.Errorf("part %d has %d letters, want %d", i, len(parts[i]), want)
				}
			}
		})
	}
}

func TestPartKeyTemplate(t *testing.T) {
	a := &DeadLetterArchive{
		config: &ArchiverConfig{PathTemplate: "dead-letters/{date}/{id}.ndjson.gz"},
	}

	key := a.partKey("abc-part-1")
	wantDate := time.Now().Format("2006/01/02")
	want := "dead-letters/" + wantDate + "/abc-part-1.ndjson.gz"
	if key != want {
		t.Errorf("partKey = %q, want %q", key, want)
	}
}

func TestManifestKey(t *testing.T) {
	if got := manifestKey("abc"); got != "manifests/abc.json" {
		t.Errorf("manifestKey = %q", got)
	}
}
