package upload

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

// Recorder receives security events; *monitor.Monitor satisfies it.
type Recorder interface {
	LogEvent(in monitor.EventInput) monitor.Event
}

// Request is an upload together with who sent it.
type Request struct {
	File
	UserID string
	IP     string
}

// Outcome is returned to the uploading client.
type Outcome struct {
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	SecureFilename string   `json:"secureFilename,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Digest         string   `json:"digest,omitempty"`
}

// Service validates, scans and stores uploads, logging every rejection.
type Service struct {
	validator *Validator
	store     Store
	recorder  Recorder
	logger    *zap.Logger
}

// NewService wires the pipeline. store may be nil to validate without persisting.
func NewService(v *Validator, store Store, recorder Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{validator: v, store: store, recorder: recorder, logger: logger.Named("upload")}
}

// Validator exposes the underlying validator.
func (s *Service) Validator() *Validator {
	return s.validator
}

// Upload runs validation and the malware scan, then stores the file under its
// secure name. Policy rejections are reported in Outcome; the error is only
// for storage failures.
func (s *Service) Upload(ctx context.Context, req Request) (Outcome, error) {
	res := s.validator.Validate(req.File)
	if !res.Valid {
		sev := monitor.SeverityWarning
		if res.Stage == StageSignature {
			sev = monitor.SeverityError
		}
		s.rejected(req, res.Stage, res.Error, sev, nil)
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return Outcome{Error: res.Error}, nil
	}

	if req.Content != nil {
		if threats := ScanForMalware(req.Content); len(threats) > 0 {
			msg := "File contains potentially malicious content"
			s.rejected(req, StageMalware, msg, monitor.SeverityCritical, threats)
			metrics.UploadsTotal.WithLabelValues("malware").Inc()
			return Outcome{Error: msg}, nil
		}
	}

	out := Outcome{Success: true, SecureFilename: res.SecureFilename, Warnings: res.Warnings}
	if s.store != nil && req.Content != nil {
		digest, err := s.store.Save(ctx, res.SecureFilename, req.Content)
		if err != nil {
			metrics.UploadsTotal.WithLabelValues("error").Inc()
			return Outcome{}, fmt.Errorf("store upload: %w", err)
		}
		out.Digest = digest
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("upload accepted",
		zap.String("secure_filename", res.SecureFilename),
		zap.String("category", res.Category),
		zap.Int64("size", req.Size),
		zap.String("user_id", req.UserID),
	)
	return out, nil
}

func (s *Service) rejected(req Request, stage Stage, reason string, sev monitor.Severity, threats []string) {
	s.logger.Info("upload rejected", zap.String("stage", string(stage)), zap.String("reason", reason), zap.String("ip", req.IP))
	if s.recorder == nil {
		return
	}
	evType := monitor.EventFileRejected
	if stage == StageMalware {
		evType = monitor.EventMalwareDetected
	}
	meta := map[string]any{
		"stage":    string(stage),
		"reason":   reason,
		"filename": req.Name,
		"size":     req.Size,
		"mimeType": req.Type,
	}
	if len(threats) > 0 {
		meta["threats"] = threats
	}
	s.recorder.LogEvent(monitor.EventInput{
		Type:      evType,
		Severity:  sev,
		Message:   "File upload rejected: " + reason,
		Metadata:  meta,
		UserID:    req.UserID,
		IPAddress: req.IP,
	})
}
