package orchestrator

import (
	"context"
	"fmt"
	"strings"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

// Finding is one vulnerability reported by an image scanner.
type Finding struct {
	ID       string
	Severity string // critical, high, medium, low
	Package  string
	Summary  string
}

// ImageScanner inspects a runner image before containers start from it.
// Implementations wrap external scanners; the daemon ships only the noop.
type ImageScanner interface {
	ScanImage(ctx context.Context, image string) ([]Finding, error)
}

// NoopScanner reports no findings.
type NoopScanner struct{}

func (NoopScanner) ScanImage(context.Context, string) ([]Finding, error) { return nil, nil }

// checkImagePolicy runs the configured scan and enforces the block-on-critical
// policy. Scan errors fail open only when blocking is off.
func (o *Orchestrator) checkImagePolicy(ctx context.Context, image string) error {
	if !o.scan.Enabled {
		return nil
	}
	if o.trustedImage(image) {
		o.log.Debug("Image registry trusted, skipping scan", "image", image)
		return nil
	}
	findings, err := o.scanner.ScanImage(ctx, image)
	if err != nil {
		if o.scan.BlockOnCritical {
			return rerrors.PolicyViolation(fmt.Sprintf("image scan failed: %v", err))
		}
		o.log.Warn("Image scan failed, continuing without verdict", "image", image, "err", err)
		return nil
	}
	if !o.scan.BlockOnCritical {
		return nil
	}
	var critical []string
	for _, f := range findings {
		if strings.EqualFold(f.Severity, "critical") {
			critical = append(critical, f.ID)
		}
	}
	if len(critical) > 0 {
		return rerrors.PolicyViolation(fmt.Sprintf("image %s has critical findings: %s",
			image, strings.Join(critical, ", ")))
	}
	return nil
}

// trustedImage reports whether the image reference names a registry on the
// trusted list. Only the first segment can be a registry, and only when it
// looks like a host (contains a dot or port, or is localhost); bare Docker
// Hub references are never trusted.
func (o *Orchestrator) trustedImage(image string) bool {
	host, rest, ok := strings.Cut(image, "/")
	if !ok || rest == "" {
		return false
	}
	if !strings.ContainsAny(host, ".:") && host != "localhost" {
		return false
	}
	for _, reg := range o.scan.TrustedRegistries {
		if strings.EqualFold(host, reg) {
			return true
		}
	}
	return false
}
