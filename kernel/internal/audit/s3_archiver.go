package audit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/VERAXIS/Core/kernel/internal/canonical"
)

// Archiver writes committed events to WORM storage. ArchiveEvent returns the
// object key it stored under so the streamer can persist the pointer.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev Event) (string, error)
}

// S3ArchiverConfig configures the S3 WORM sink.
type S3ArchiverConfig struct {
	Bucket string
	Prefix string

	// ObjectLockMode is GOVERNANCE or COMPLIANCE; empty disables Object Lock
	// headers (dev buckets without lock enabled reject them).
	ObjectLockMode string

	// RetainDays sets the retention window when Object Lock is on. Default
	// 365.
	RetainDays int
}

// S3Archiver writes canonical event envelopes to
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<seq>-<hash8>.json
//
// with Object Lock retention when configured. Objects are immutable for the
// retention window; the chain in Postgres stays the source of truth.
type S3Archiver struct {
	cfg      S3ArchiverConfig
	uploader *manager.Uploader
}

// NewS3Archiver builds an archiver from the default AWS config chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	if cfg.RetainDays <= 0 {
		cfg.RetainDays = 365
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Archiver{
		cfg:      cfg,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEvent uploads the canonical envelope and returns the object key.
func (a *S3Archiver) ArchiveEvent(ctx context.Context, ev Event) (string, error) {
	canonBytes, err := canonical.MarshalCanonical(Envelope(ev))
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := a.objectKey(ev)
	in := &s3.PutObjectInput{
		Bucket:               aws.String(a.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if a.cfg.ObjectLockMode != "" {
		in.ObjectLockMode = s3types.ObjectLockMode(a.cfg.ObjectLockMode)
		in.ObjectLockRetainUntilDate = aws.Time(time.Now().UTC().AddDate(0, 0, a.cfg.RetainDays))
	}

	if _, err := a.uploader.Upload(ctx, in); err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return key, nil
}

func (a *S3Archiver) objectKey(ev Event) string {
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(a.cfg.Prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%d-%s.json", ev.Seq, hex.EncodeToString(shortHash(ev.Hash))),
	)
}

// Envelope is the archival/streaming representation of an event: hashes in
// hex, signature in base64, payload embedded as parsed JSON so the envelope
// itself canonicalizes.
func Envelope(ev Event) map[string]interface{} {
	return map[string]interface{}{
		"seq":       ev.Seq,
		"eventType": ev.EventType,
		"payload":   ev.Payload,
		"prevHash":  hex.EncodeToString(ev.PrevHash),
		"hash":      hex.EncodeToString(ev.Hash),
		"signature": base64.StdEncoding.EncodeToString(ev.Signature),
		"signerKid": ev.SignerKID,
		"createdAt": ev.CreatedAt.Format(time.RFC3339Nano),
	}
}

func shortHash(h []byte) []byte {
	if len(h) > 4 {
		return h[:4]
	}
	return h
}
