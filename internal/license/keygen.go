// internal/license/keygen.go
package license

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/keygen-sh/keygen-go/v3"
	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 10 * time.Minute

var (
	ErrExpired  = errors.New("license has expired")
	ErrNotFound = errors.New("license not found")
)

// Config описывает учётные данные Keygen.
type Config struct {
	AccountID         string
	ProductID         string
	Key               string
	HeartbeatInterval time.Duration
}

// KeygenValidator handles license validation using Keygen.sh
type KeygenValidator struct {
	cfg    Config
	logger *zap.Logger

	fingerprint func() (string, error)
	validate    func(ctx context.Context, fingerprint string) (*keygen.License, error)
	activate    func(ctx context.Context, license *keygen.License, fingerprint string) (string, error)
}

// NewKeygenValidator creates a new Keygen license validator
func NewKeygenValidator(cfg Config, logger *zap.Logger) *KeygenValidator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	keygen.Account = cfg.AccountID
	keygen.Product = cfg.ProductID
	keygen.LicenseKey = cfg.Key

	return &KeygenValidator{
		cfg:         cfg,
		logger:      logger.Named("license"),
		fingerprint: machineFingerprint,
		validate: func(ctx context.Context, fingerprint string) (*keygen.License, error) {
			return keygen.Validate(ctx, fingerprint)
		},
		activate: func(ctx context.Context, license *keygen.License, fingerprint string) (string, error) {
			machine, err := license.Activate(ctx, fingerprint)
			if err != nil {
				return "", err
			}
			return machine.ID, nil
		},
	}
}

// ValidateLicense validates the configured key, activating this machine on
// first use.
func (kv *KeygenValidator) ValidateLicense(ctx context.Context) error {
	kv.logger.Info("🔑 Validating license", zap.String("key", maskKey(kv.cfg.Key)))

	fingerprint, err := kv.fingerprint()
	if err != nil {
		return fmt.Errorf("failed to generate machine fingerprint: %w", err)
	}

	license, err := kv.validate(ctx, fingerprint)
	switch {
	case errors.Is(err, keygen.ErrLicenseNotActivated):
		if license == nil {
			return ErrNotFound
		}
		kv.logger.Info("License not activated, attempting activation")
		machineID, activateErr := kv.activate(ctx, license, fingerprint)
		if activateErr != nil {
			return fmt.Errorf("failed to activate license: %w", activateErr)
		}
		kv.logger.Info("License activated successfully",
			zap.String("machine_id", machineID),
			zap.String("fingerprint", fingerprint))

	case errors.Is(err, keygen.ErrLicenseExpired):
		return ErrExpired

	case err != nil:
		return fmt.Errorf("license validation failed: %w", err)
	}

	if license == nil {
		return ErrNotFound
	}

	kv.logger.Info("✅ License validation successful", zap.String("license_id", license.ID))
	return nil
}

// HeartbeatLicense re-validates once so the license stays active.
func (kv *KeygenValidator) HeartbeatLicense(ctx context.Context) error {
	fingerprint, err := kv.fingerprint()
	if err != nil {
		return fmt.Errorf("failed to generate machine fingerprint: %w", err)
	}
	if _, err := kv.validate(ctx, fingerprint); err != nil {
		if errors.Is(err, keygen.ErrLicenseExpired) {
			return ErrExpired
		}
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	kv.logger.Debug("License heartbeat sent successfully")
	return nil
}

// Run sends heartbeats until ctx is done. Transient failures are logged; an
// expired license stops the loop with ErrExpired.
func (kv *KeygenValidator) Run(ctx context.Context) error {
	ticker := time.NewTicker(kv.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := kv.HeartbeatLicense(ctx)
			if errors.Is(err, ErrExpired) {
				kv.logger.Error("🚨 License expired, stopping")
				return err
			}
			if err != nil && ctx.Err() == nil {
				kv.logger.Warn("License heartbeat failed", zap.Error(err))
			}
		}
	}
}

// machineFingerprint hashes hostname, the first active MAC address and the OS.
func machineFingerprint() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	var macAddresses []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			macAddresses = append(macAddresses, iface.HardwareAddr.String())
		}
	}
	if len(macAddresses) == 0 {
		return "", fmt.Errorf("no network interfaces found")
	}
	sort.Strings(macAddresses)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	data := fmt.Sprintf("%s-%s-%s", hostname, macAddresses[0], runtime.GOOS)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash), nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
