package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"riskgraph/internal/ingest"
)

// CompressionType defines compression algorithms for archived parts.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// Manifest describes one archived batch of dead letters.
type Manifest struct {
	ID              string          `json:"archive_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	TotalLetters    int64           `json:"total_letters"`
	CompressedBytes int64           `json:"compressed_bytes"`
	Compression     CompressionType `json:"compression"`
	Parts           []Part          `json:"parts"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Part is one object within an archive.
type Part struct {
	PartNumber  int    `json:"part_number"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	LetterCount int64  `json:"letter_count"`
}

// ArchiverConfig configures the dead-letter archiver.
type ArchiverConfig struct {
	// PartSize is the number of dead letters per archived object.
	PartSize int `json:"part_size" yaml:"part_size"`

	// Compression algorithm for parts.
	Compression CompressionType `json:"compression" yaml:"compression"`

	// PathTemplate for part keys (supports {date}, {id}).
	PathTemplate string `json:"path_template" yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		PartSize:     5000,
		Compression:  CompressionGzip,
		PathTemplate: "dead-letters/{date}/{id}.ndjson.gz",
	}
}

type archiverMetrics struct {
	lettersArchived atomic.Int64
	bytesArchived   atomic.Int64
	lettersReplayed atomic.Int64
	errors          atomic.Int64
}

// DeadLetterArchive persists dead letters as compressed NDJSON parts plus a
// JSON manifest, and replays them back through a DeadLetterSink.
type DeadLetterArchive struct {
	client  *Client
	config  *ArchiverConfig
	logger  *slog.Logger
	metrics *archiverMetrics
}

// NewDeadLetterArchive creates a new archiver against an S3 client.
func NewDeadLetterArchive(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *DeadLetterArchive {
	return &DeadLetterArchive{
		client:  client,
		config:  cfg,
		logger:  logger,
		metrics: &archiverMetrics{},
	}
}

// Archive writes a batch of dead letters to object storage and uploads a
// manifest describing the parts. Returns nil when the batch is empty.
func (a *DeadLetterArchive) Archive(ctx context.Context, letters []ingest.DeadLetter) (*Manifest, error) {
	if len(letters) == 0 {
		return nil, nil
	}

	archiveID := uuid.NewString()
	now := time.Now()

	startTime := letters[0].FailedAt
	endTime := letters[0].FailedAt
	for _, l := range letters {
		if l.FailedAt.Before(startTime) {
			startTime = l.FailedAt
		}
		if l.FailedAt.After(endTime) {
			endTime = l.FailedAt
		}
	}

	manifest := &Manifest{
		ID:           archiveID,
		StartTime:    startTime,
		EndTime:      endTime,
		TotalLetters: int64(len(letters)),
		Compression:  a.config.Compression,
		CreatedAt:    now,
	}

	for i, chunk := range splitParts(letters, a.config.PartSize) {
		part, err := a.archivePart(ctx, archiveID, i+1, chunk)
		if err != nil {
			a.metrics.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to archive part %d: %w", i+1, err)
		}
		manifest.Parts = append(manifest.Parts, *part)
		manifest.CompressedBytes += part.Size
	}

	if err := a.uploadManifest(ctx, manifest); err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	a.metrics.lettersArchived.Add(int64(len(letters)))

	a.logger.Info("archived dead letters",
		"archive_id", archiveID,
		"letters", len(letters),
		"parts", len(manifest.Parts),
		"compressed_bytes", manifest.CompressedBytes,
	)

	return manifest, nil
}

// splitParts chunks letters into part-sized slices.
func splitParts(letters []ingest.DeadLetter, partSize int) [][]ingest.DeadLetter {
	if partSize < 1 {
		partSize = len(letters)
	}

	var parts [][]ingest.DeadLetter
	for i := 0; i < len(letters); i += partSize {
		end := i + partSize
		if end > len(letters) {
			end = len(letters)
		}
		parts = append(parts, letters[i:end])
	}
	return parts
}

func (a *DeadLetterArchive) archivePart(ctx context.Context, archiveID string, partNum int, letters []ingest.DeadLetter) (*Part, error) {
	data, err := encodeNDJSON(letters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode part: %w", err)
	}

	compressed, err := a.compress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress part: %w", err)
	}

	a.metrics.bytesArchived.Add(int64(len(compressed)))

	key := a.partKey(fmt.Sprintf("%s-part-%d", archiveID, partNum))

	contentType := "application/x-ndjson"
	if a.config.Compression == CompressionGzip {
		contentType = "application/gzip"
	}

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        bytes.NewReader(compressed),
		ContentType: contentType,
		Metadata: map[string]string{
			"archive-id":   archiveID,
			"letter-count": fmt.Sprintf("%d", len(letters)),
			"compression":  string(a.config.Compression),
		},
	})
	if err != nil {
		return nil, err
	}

	return &Part{
		PartNumber:  partNum,
		Key:         key,
		Size:        int64(len(compressed)),
		LetterCount: int64(len(letters)),
	}, nil
}

// encodeNDJSON writes one JSON document per line.
func encodeNDJSON(letters []ingest.DeadLetter) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range letters {
		if err := enc.Encode(l); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeNDJSON parses line-delimited dead letters, skipping blank lines.
func decodeNDJSON(data []byte) ([]ingest.DeadLetter, error) {
	var letters []ingest.DeadLetter

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var l ingest.DeadLetter
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return letters, nil
}

func (a *DeadLetterArchive) compress(data []byte) ([]byte, error) {
	if a.config.Compression != CompressionGzip {
		return data, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *DeadLetterArchive) decompress(data []byte, compression CompressionType) ([]byte, error) {
	if compression != CompressionGzip {
		return data, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// partKey renders the path template for a part ID.
func (a *DeadLetterArchive) partKey(partID string) string {
	now := time.Now()

	key := a.config.PathTemplate
	key = strings.ReplaceAll(key, "{date}", now.Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{id}", partID)
	key = strings.ReplaceAll(key, "{year}", now.Format("2006"))
	key = strings.ReplaceAll(key, "{month}", now.Format("01"))
	key = strings.ReplaceAll(key, "{day}", now.Format("02"))

	return key
}

func manifestKey(archiveID string) string {
	return fmt.Sprintf("manifests/%s.json", archiveID)
}

func (a *DeadLetterArchive) uploadManifest(ctx context.Context, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         manifestKey(manifest.ID),
		Body:        bytes.NewReader(data),
		ContentType: "application/json",
		Metadata: map[string]string{
			"archive-id": manifest.ID,
		},
	})

	return err
}

// GetManifest retrieves an archive manifest by ID.
func (a *DeadLetterArchive) GetManifest(ctx context.Context, archiveID string) (*Manifest, error) {
	output, err := a.client.Download(ctx, manifestKey(archiveID))
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("s3: failed to parse manifest %s: %w", archiveID, err)
	}

	return &manifest, nil
}

// Load returns all dead letters in an archive.
func (a *DeadLetterArchive) Load(ctx context.Context, archiveID string) ([]ingest.DeadLetter, error) {
	manifest, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to get manifest: %w", err)
	}

	var letters []ingest.DeadLetter
	for _, part := range manifest.Parts {
		chunk, err := a.loadPart(ctx, part, manifest.Compression)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to load part %d: %w", part.PartNumber, err)
		}
		letters = append(letters, chunk...)
	}

	return letters, nil
}

func (a *DeadLetterArchive) loadPart(ctx context.Context, part Part, compression CompressionType) ([]ingest.DeadLetter, error) {
	output, err := a.client.Download(ctx, part.Key)
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	compressed, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}

	data, err := a.decompress(compressed, compression)
	if err != nil {
		return nil, err
	}

	return decodeNDJSON(data)
}

// Replay pushes every dead letter in an archive through the sink, typically
// the DLQ producer, so the pipeline reprocesses them. Stops at the first
// sink failure and reports how many letters were delivered.
func (a *DeadLetterArchive) Replay(ctx context.Context, archiveID string, sink ingest.DeadLetterSink) (int, error) {
	letters, err := a.Load(ctx, archiveID)
	if err != nil {
		return 0, err
	}

	for i, l := range letters {
		if err := sink.Send(ctx, l); err != nil {
			a.metrics.errors.Add(1)
			return i, fmt.Errorf("s3: replay stopped at letter %d of %d: %w", i+1, len(letters), err)
		}
		a.metrics.lettersReplayed.Add(1)
	}

	a.logger.Info("replayed archive",
		"archive_id", archiveID,
		"letters", len(letters),
	)

	return len(letters), nil
}

// ListManifests lists all archive manifests.
func (a *DeadLetterArchive) ListManifests(ctx context.Context) ([]Manifest, error) {
	objects, err := a.client.List(ctx, "manifests/", 0)
	if err != nil {
		return nil, err
	}

	prefix := a.client.GetPrefix()

	var manifests []Manifest
	for _, obj := range objects {
		key := strings.TrimPrefix(obj.Key, prefix)

		output, err := a.client.Download(ctx, key)
		if err != nil {
			a.logger.Warn("failed to download manifest", "key", obj.Key, "error", err)
			continue
		}

		data, err := io.ReadAll(output.Body)
		output.Body.Close()
		if err != nil {
			a.logger.Warn("failed to read manifest", "key", obj.Key, "error", err)
			continue
		}

		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			a.logger.Warn("skipping malformed manifest", "key", obj.Key, "error", err)
			continue
		}

		manifests = append(manifests, manifest)
	}

	return manifests, nil
}

// Delete removes an archive's parts and manifest.
func (a *DeadLetterArchive) Delete(ctx context.Context, archiveID string) error {
	manifest, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(manifest.Parts))
	for _, part := range manifest.Parts {
		keys = append(keys, part.Key)
	}

	if err := a.client.DeleteBatch(ctx, keys); err != nil {
		return err
	}

	if err := a.client.Delete(ctx, manifestKey(archiveID)); err != nil {
		return err
	}

	a.logger.Info("deleted archive",
		"archive_id", archiveID,
		"parts_deleted", len(keys),
	)

	return nil
}

// ArchiverMetrics contains archiver metrics.
type ArchiverMetrics struct {
	LettersArchived int64
	BytesArchived   int64
	LettersReplayed int64
	Errors          int64
}

// GetMetrics returns current archiver metrics.
func (a *DeadLetterArchive) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		LettersArchived: a.metrics.lettersArchived.Load(),
		BytesArchived:   a.metrics.bytesArchived.Load(),
		LettersReplayed: a.metrics.lettersReplayed.Load(),
		Errors:          a.metrics.errors.Load(),
	}
}
