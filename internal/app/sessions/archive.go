package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
)

// ArchiveName is the object name of an archived session.
func ArchiveName(sess *session.Session, compressed bool) string {
	at := sess.CompletedAt()
	if at.IsZero() {
		at = sess.UpdatedAt()
	}
	name := path.Join("sessions", at.Format("2006"), at.Format("01"), sess.ID()+".json")
	if compressed {
		name += ".gz"
	}
	return name
}

// Archive moves completed and failed sessions finished more than
// olderThanDays ago to the archive sink and removes them from the active
// store. It returns the number of sessions archived.
func (s *Store) Archive(ctx context.Context, olderThanDays int, compress bool) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.archive",
		trace.WithAttributes(
			attribute.Int("older_than_days", olderThanDays),
			attribute.Bool("compress", compress),
		))
	defer span.End()

	if s.sink == nil {
		span.SetStatus(codes.Error, "no archive sink")
		return 0, ErrNoArchiveSink
	}
	if err := s.Flush(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to flush sessions before archiving: %w", err)
	}

	cutoff := s.timeProvider.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	var candidates []*session.Session
	err := s.scan(ctx, func(sess *session.Session) error {
		if !sess.Status().IsTerminal() || sess.CompletedAt().After(cutoff) {
			return nil
		}
		cp, err := s.clone(sess)
		if err != nil {
			return err
		}
		candidates = append(candidates, cp)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	archived := 0
	for _, sess := range candidates {
		if err := s.archiveOne(ctx, sess, compress); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to archive session")
			s.metrics.AddArchived(archived)
			return archived, err
		}
		archived++
	}

	s.metrics.AddArchived(archived)
	span.SetAttributes(attribute.Int("archived", archived))
	s.logger.Info(ctx, "Sessions archived", "count", archived, "older_than_days", olderThanDays)
	return archived, nil
}

func (s *Store) archiveOne(ctx context.Context, sess *session.Session, compress bool) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID(), err)
	}

	contentType := "application/json"
	if compress {
		if data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("failed to compress session %s: %w", sess.ID(), err)
		}
		contentType = "application/gzip"
	}

	if err := s.sink.Store(ctx, ArchiveName(sess, compress), data, contentType); err != nil {
		return fmt.Errorf("failed to store archive of session %s: %w", sess.ID(), err)
	}
	return s.Delete(ctx, sess.ID())
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
