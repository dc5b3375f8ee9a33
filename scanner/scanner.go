// Package scanner discovers LE audio broadcast sources over legacy and
// extended advertising and feeds them to the assistant engine.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	"github.com/srg/bassist/internal/announce"
	"github.com/srg/bassist/internal/groutine"
	"github.com/srg/bassist/pkg/assistant"
)

// ScanningDevice is the slice of the BLE stack the scanner needs.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(blelib.Advertisement)) error
	Stop() error
}

// DeviceFactory creates ScanningDevice instances (can be overridden in tests)
var DeviceFactory = func() (ScanningDevice, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// Consumer receives converted scan results and provider failures. The
// assistant Engine satisfies it.
type Consumer interface {
	HandleScanResult(r *assistant.ScanResult)
	HandleScanFailed(code int)
}

// Scanner watches for Broadcast Audio Announcements. It implements
// assistant.Scanner, so the engine can drive it directly.
type Scanner struct {
	logger   *logrus.Logger
	consumer Consumer

	// seen tracks announced broadcasts per advertiser address for logging;
	// every advertisement is still forwarded so RSSI stays fresh.
	seen *hashmap.Map[string, int]

	mu      sync.Mutex
	dev     ScanningDevice
	cancel  context.CancelFunc
	filters []assistant.ScanFilter
}

// New creates a Scanner delivering results to consumer.
func New(logger *logrus.Logger, consumer Consumer) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		logger:   logger,
		consumer: consumer,
		seen:     hashmap.New[string, int](),
	}
}

// StartScan begins scanning. With no filters, only advertisements carrying a
// Broadcast Audio Announcement are forwarded.
func (s *Scanner) StartScan(filters []assistant.ScanFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return errors.New("scanner: already scanning")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("scanner: create BLE device: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.dev = dev
	s.cancel = cancel
	s.filters = filters
	s.seen = hashmap.New[string, int]()

	s.logger.Info("broadcast scan started")

	groutine.Go(ctx, "broadcast-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, s.handleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("scan terminated")
			s.consumer.HandleScanFailed(1)
		}
	})

	return nil
}

// StopScan ends an active scan. Stopping an idle scanner is a no-op.
func (s *Scanner) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	s.cancel()
	err := s.dev.Stop()
	s.dev = nil
	s.cancel = nil

	s.logger.Info("broadcast scan stopped")
	if err != nil {
		return fmt.Errorf("scanner: stop: %w", err)
	}
	return nil
}

// handleAdvertisement converts and forwards matching advertisements
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	result := resultFromAdvertisement(adv)

	s.mu.Lock()
	filters := s.filters
	s.mu.Unlock()

	if !matches(result, filters) {
		return
	}

	if id, ok := result.BroadcastID(); ok {
		if _, known := s.seen.Get(string(result.Addr)); !known {
			s.seen.Set(string(result.Addr), int(id))
			s.logger.WithFields(logrus.Fields{
				"address":      result.Addr,
				"broadcast_id": id,
				"rssi":         result.RSSI,
			}).Info("broadcast source discovered")
		}
	}

	s.consumer.HandleScanResult(result)
}

// matches applies the engine's filters; with none set, the announcement
// service data is required.
func matches(r *assistant.ScanResult, filters []assistant.ScanFilter) bool {
	if len(filters) == 0 {
		_, ok := r.ServiceData[announce.BroadcastAudioAnnouncementUUID.String()]
		return ok
	}
	for _, f := range filters {
		if _, ok := r.ServiceData[f.ServiceUUID]; ok {
			return true
		}
	}
	return false
}

func resultFromAdvertisement(adv blelib.Advertisement) *assistant.ScanResult {
	sd := make(map[string][]byte, len(adv.ServiceData()))
	for _, entry := range adv.ServiceData() {
		sd[entry.UUID.String()] = entry.Data
	}
	return &assistant.ScanResult{
		Addr:        assistant.Address(adv.Addr().String()),
		AddressType: assistant.AddressTypeRandom,
		RSSI:        adv.RSSI(),
		ServiceData: sd,
	}
}
