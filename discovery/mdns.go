package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"gogenaro/logging"
)

const (
	// DefaultService is the mDNS service name bridges advertise, without domain suffix.
	DefaultService = "_genaro-bridge._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoBridge is returned by FindBridge when no bridge answered.
var ErrNoBridge = errors.New("discovery: no bridge found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls bridge discovery.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration
	Logger      *logrus.Logger

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	out.Logger = logging.Or(out.Logger)
	return out
}

// FindBridge scans once and returns the URL of the first bridge by instance name.
func FindBridge(ctx context.Context, config Config) (string, error) {
	scanner, err := NewScanner(config)
	if err != nil {
		return "", err
	}
	bridges, err := scanner.Scan(ctx)
	if err != nil {
		return "", err
	}
	if len(bridges) == 0 {
		return "", ErrNoBridge
	}

	scanner.cfg.Logger.WithFields(logrus.Fields{
		"function": "FindBridge",
		"instance": bridges[0].Instance,
		"url":      bridges[0].URL(),
		"found":    len(bridges),
	}).Info("Discovered bridge")
	return bridges[0].URL(), nil
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}
	return &Scanner{cfg: cfg, browse: browse}, nil
}
